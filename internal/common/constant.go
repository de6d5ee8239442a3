package common

// Header and metadata keys shared by the HTTP API, the gRPC plugin API and
// the client.
const (
	APIKeyHeaderName        = "X-API-Key"
	AuthorizationHeaderName = "Authorization"
	FormatHeaderName        = "X-Format"
	QualityHeaderName       = "X-Quality"
	SignatureHeaderName     = "X-Fs-Signature"
	CorrelationHeaderName   = "X-Correlation-ID"
	SizeBeforeHeaderName    = "X-Size-Before"
	SizeAfterHeaderName     = "X-Size-After"

	// gRPC metadata keys are lower-case.
	APIKeyMetadataKey        = "x-api-key"
	AuthorizationMetadataKey = "authorization"
	FormatMetadataKey        = "x-format"
	QualityMetadataKey       = "x-quality"
	StagedPathMetadataKey    = "x-staged-path"
	SizeBeforeMetadataKey    = "x-size-before"
	SizeAfterMetadataKey     = "x-size-after"
	LocationMetadataKey      = "x-location"

	BearerPrefix = "Bearer "
)
