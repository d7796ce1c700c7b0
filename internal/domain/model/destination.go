package model

// TLSPolicy определяет, как Forwarder устанавливает соединение с
// конкретным Destination.
type TLSPolicy string

const (
	TLSPolicyDisabled   TLSPolicy = "disabled"
	TLSPolicyEnabled    TLSPolicy = "enabled"
	TLSPolicySkipVerify TLSPolicy = "skip_verify"
)

// TranscodePolicy определяет, как классифицируется отказ peer'а принять
// предложенный transfer syntax (см. spec §4.5: "core does not transcode").
// По умолчанию такой отказ — permanent-fail; RetryableOnReject переводит
// его в retryable-fail для окружений, где downstream со временем
// расширяет поддержку синтаксисов.
type TranscodePolicy string

const (
	TranscodePermanentOnReject TranscodePolicy = "permanent_on_reject"
	TranscodeRetryableOnReject TranscodePolicy = "retryable_on_reject"
)

// Destination — получатель, управляется снаружи core (CRUD выполняет
// административная поверхность, вне core); core наблюдает запись
// read-mostly.
type Destination struct {
	ID                int64
	Name              string
	CalledAETitle     string
	Host              string
	Port              int
	TLSPolicy         TLSPolicy
	Enabled           bool
	ForwardingRule    string // сериализованное rule.Expr (см. internal/domain/rule)
	ConcurrencyLimit  int
	TranscodePolicy   TranscodePolicy
	WarningSubcodeKey string // точка расширения, не используется ядром (см. SPEC_FULL §Open Questions)
}
