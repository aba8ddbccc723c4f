package types

// Error codes used by the REST API. The numeric part mirrors the HTTP status.
const (
	CodeInvalid              = "STAND_400"
	CodeUnauthorized         = "STAND_401"
	CodeNotFound             = "STAND_404"
	CodeConflict             = "STAND_409"
	CodeConfirmationRequired = "STAND_428"
	CodeInternal             = "STAND_500"
	CodeLinkFailed           = "STAND_502"
	CodeNotConnected         = "STAND_503"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
