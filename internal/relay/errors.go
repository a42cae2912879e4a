package relay

import (
	"fmt"
	"net/http"
)

// RegistrationError describes why a sender or receiver could not join a
// rendezvous. The message is sent to the client as a plain-text error body;
// Status is the HTTP status the router replies with.
type RegistrationError struct {
	Status  int
	Message string
}

func (e *RegistrationError) Error() string {
	return e.Message
}

func errBadRequest(format string, args ...any) *RegistrationError {
	return &RegistrationError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Conflicts share the 400 status with bad requests but carry their own
// message, matching the wire contract.
func errConflict(format string, args ...any) *RegistrationError {
	return &RegistrationError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}
