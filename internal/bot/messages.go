package bot

import (
	"fmt"

	"github.com/loqalabs/loqa-narrator/internal/delivery"
)

const (
	msgGreeting = "Hi! Send me a .txt file or text to convert to speech.\n" +
		"Use /new for new file, /next for next part."
	msgReset         = "🆕 Ready for new file! Send text or .txt file"
	msgUnknown       = "Unknown command. Use /start, /new or /next."
	msgEmptyText     = "Text cannot be empty!"
	msgTextReceived  = "📚 Text received! Processing first part..."
	msgFileReceived  = "📄 File received! Processing first part..."
	msgWrongFileType = "Please send a .txt file"
	msgEmptyFile     = "File is empty or unreadable!"
	msgUndecodable   = "Error: Couldn't read file (encoding issue)"
	msgNoContent     = "Send text/file first!"
	msgBusy          = "Request in progress. Please wait..."
	msgExhausted     = "⚠️ Last part processed!"
	msgFinished      = "🎧 All parts processed!\nSend new file/text or use /new"
)

// replyFor renders the user-facing message for an advance outcome. An empty
// string means nothing should be sent.
func replyFor(rep delivery.Report) string {
	switch rep.Status {
	case delivery.NoContent:
		return msgNoContent
	case delivery.Busy:
		return msgBusy
	case delivery.AllDelivered:
		return msgExhausted
	case delivery.Delivered:
		if rep.Last() {
			return msgFinished
		}
		return fmt.Sprintf("✅ Part %d/%d sent\nUse /next for next part", rep.Number, rep.Total)
	case delivery.ProductionFailed:
		return fmt.Sprintf("Audio error: part %d/%d could not be generated. Use /next to try again.", rep.Number, rep.Total)
	case delivery.DeliveryFailed:
		return fmt.Sprintf("Audio error: part %d/%d could not be sent. Use /next to try again.", rep.Number, rep.Total)
	default:
		return ""
	}
}
