package apierr

import "errors"

// GenericMessage is shown for anything the taxonomy cannot place.
const GenericMessage = "Unable to complete the operation. Please contact support if this keeps happening."

var codeMessages = map[string]string{
	CodeAlreadyProcessing:            "A processing run is already active for this project.",
	CodeInvalidStateTransition:       "The run cannot change to that state right now. It may have already finished.",
	CodeNoActiveRun:                  "There is no active run to act on.",
	CodeNoCheckpoint:                 "No checkpoint is available for this run, so it cannot be restarted. Start a new run instead.",
	CodeInvalidSelection:             "Select at least one document, or wait until documents pass the readability check.",
	CodeRerunConfirmationRequired:    "These exact documents were already processed in a completed run. Confirm to process them again.",
	CodeUnreadableConfirmationNeeded: "Some selected documents failed the readability check. Confirm to continue without them.",
	CodeReadabilityPending:           "Wait for the readability check to finish before starting.",
	CodeRestartNotEffective:          "The restart did not take effect. Please try again.",
	CodeRestartNotAllowed:            "Restart is only available for stuck or unexpectedly failed runs.",
	CodeNoRun:                        "Create a run before starting processing.",
	CodeBusy:                         "That action is already in progress.",
	CodeUnauthenticated:              "Your session has expired. Please sign in again.",
	CodeForbidden:                    "Access denied. Contact your administrator.",
	CodeGiveUp:                       "Unable to connect to the live findings stream. Press reconnect to try again.",
}

var kindMessages = map[Kind]string{
	KindTransport:      "Connection problem talking to the server. Please try again.",
	KindDomainConflict: "The action conflicts with the current state of the run.",
	KindNotFound:       "Nothing was found to act on.",
	KindValidation:     "The request is not valid.",
	KindAuth:           "Access denied. Contact your administrator.",
}

// UserMessage returns the user-facing text for err. Raw error text is never
// included; callers log err itself.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var ae *Error
	if !errors.As(err, &ae) {
		return GenericMessage
	}
	if m, ok := codeMessages[ae.Code]; ok {
		return m
	}
	if ae.Kind == KindTransport && ae.Code == CodeTimeout {
		return "The server took too long to respond. Please try again."
	}
	if m, ok := kindMessages[ae.Kind]; ok {
		return m
	}
	return GenericMessage
}
