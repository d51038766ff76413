package relay

import "fmt"

const (
	msgEmptyPrompt    = "Please include instructions for Devin after the mention."
	msgStartFailed    = "Failed to start the Devin session or create the thread.\nError: %s"
	msgPersistFailed  = "⚠️ Failed to save the session mapping. Some features may not work."
	msgSendFailed     = "Failed to send the message to Devin.\nError: %s"
	msgAlreadyMuted   = "🔇 This thread is already muted."
	msgNotMuted       = "🔊 This thread is not muted."
	msgMuted          = "🔇 Muted Devin notifications in this thread."
	msgUnmuted        = "🔊 Unmuted this thread."
	msgMuteFailed     = "❌ Failed to update the mute state."
	welcomeMsgPattern = `Started a Devin session.
Session ID: %s
Follow progress here: %s

Send instructions for Devin in this thread.
(Messages starting with ` + "`%s`" + ` are not sent to Devin)
(Send ` + "`%s`" + ` to silence notifications in this thread, ` + "`%s`" + ` to resume them)`
)

func welcomeMessage(sessionID, url string, kw Keywords) string {
	return fmt.Sprintf(welcomeMsgPattern, sessionID, url, kw.Aside, kw.Mute, kw.Unmute)
}
