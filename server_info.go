package avrio

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
)

const InfoPath = "/v1/info"

// ServerInfo is the coordinator status returned by /v1/info.
type ServerInfo struct {
	NodeVersion NodeVersion `json:"nodeVersion"`
	Environment string      `json:"environment"`
	Coordinator bool        `json:"coordinator"`
	Starting    bool        `json:"starting"`
	Uptime      Duration    `json:"uptime"`
}

type NodeVersion struct {
	Version string `json:"version"`
}

// Duration decodes the coordinator's duration strings such as "3.52m",
// and plain numbers as milliseconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case nil:
		d.Duration = 0
	case float64:
		d.Duration = time.Duration(value * float64(time.Millisecond))
	case string:
		parsed, err := str2duration.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// ServerInfo retrieves the coordinator status. It is a cheap way to check
// connectivity and credentials without running a query.
func (s *Session) ServerInfo(ctx context.Context, opts ...RequestOption) (*ServerInfo, *http.Response, error) {
	req, err := s.NewRequest(http.MethodGet, InfoPath, nil, opts...)
	if err != nil {
		return nil, nil, err
	}

	info := new(ServerInfo)
	resp, err := s.Do(ctx, req, info)
	if err != nil {
		return nil, resp, err
	}
	return info, resp, nil
}
