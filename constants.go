package avrio

import "time"

// Trino protocol request headers
const (
	HeaderCatalog            = "X-Trino-Catalog"
	HeaderSchema             = "X-Trino-Schema"
	HeaderSource             = "X-Trino-Source"
	HeaderUser               = "X-Trino-User"
	HeaderClientInfo         = "X-Trino-Client-Info"
	HeaderClientTags         = "X-Trino-Client-Tags"
	HeaderExtraCredential    = "X-Trino-Extra-Credential"
	HeaderTimeZone           = "X-Trino-Time-Zone"
	HeaderSession            = "X-Trino-Session"
	HeaderRole               = "X-Trino-Role"
	HeaderTransaction        = "X-Trino-Transaction-Id"
	HeaderPreparedStatement  = "X-Trino-Prepared-Statement"
	HeaderClientCapabilities = "X-Trino-Client-Capabilities"
)

// Trino protocol response headers
const (
	HeaderSetCatalog         = "X-Trino-Set-Catalog"
	HeaderSetSchema          = "X-Trino-Set-Schema"
	HeaderSetSession         = "X-Trino-Set-Session"
	HeaderClearSession       = "X-Trino-Clear-Session"
	HeaderSetRole            = "X-Trino-Set-Role"
	HeaderStartedTransaction = "X-Trino-Started-Transaction-Id"
	HeaderClearTransaction   = "X-Trino-Clear-Transaction-Id"
	HeaderAddedPrepare       = "X-Trino-Added-Prepare"
	HeaderDeallocatedPrepare = "X-Trino-Deallocated-Prepare"
)

const (
	DefaultPort           = 8080
	DefaultTLSPort        = 443
	DefaultSource         = "avrio-go-client"
	DefaultUser           = "avrio-go-client"
	DefaultMaxAttempts    = 3
	DefaultRequestTimeout = 30 * time.Second

	// DefaultMaxAuthAttempts bounds how many 401 challenges a single request
	// may answer before the failure is surfaced.
	DefaultMaxAuthAttempts = 3

	DefaultMinBackoff = 100 * time.Millisecond
	DefaultMaxBackoff = 5 * time.Second

	DefaultCacheCapacity = 1024
	DefaultCacheTTL      = time.Hour

	StatementPath = "/v1/statement"

	// NoTransaction is the transaction id sent while no transaction is active.
	NoTransaction = "NONE"

	// ClientCapabilityParametricDatetime asks the server to keep the
	// precision of temporal values instead of truncating them to millis.
	ClientCapabilityParametricDatetime = "PARAMETRIC_DATETIME"
)

// Type-name groups used to derive column descriptions.
var (
	LengthTypes    = []string{"char", "varchar"}
	PrecisionTypes = []string{"time", "time with time zone", "timestamp", "timestamp with time zone", "decimal"}
	ScaleTypes     = []string{"decimal"}
)
