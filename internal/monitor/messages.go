package monitor

const (
	msgStartupFailed = "❌ Failed to fetch the initial state of session (%s). Monitoring was not started."
	msgPollFailed    = "❌ An error occurred while fetching the state of session (%s). Monitoring stopped."
	msgStatusChanged = "Status changed: **%s**"
	msgOutputUpdated = "Structured output updated:\n```json\n%s\n```"
	msgSessionEnded  = "Session ended with status **%s**. Monitoring stopped."
)
