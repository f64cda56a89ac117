package chat

var (
	IsTokenLimitError = isTokenLimitError
	Compact           = compact
)
