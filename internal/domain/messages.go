package domain

import "errors"

// UserMessage returns the short text shown for a failed unit. Content
// safety failures ask the user to change the input; everything else asks
// them to try again.
func UserMessage(err error, locale string) string {
	if err == nil {
		return ""
	}
	msgs := messagesEN
	if locale == "ms" {
		msgs = messagesMS
	}
	var backendErr *BackendError
	switch Classify(err) {
	case ErrorKindNoCredential:
		return msgs.noCredential
	case ErrorKindSafety:
		if errors.As(err, &backendErr) && backendErr.Message != "" {
			return msgs.safety + " (" + backendErr.Message + ")"
		}
		return msgs.safety
	case ErrorKindNoServer:
		return msgs.noServer
	case ErrorKindCancelled:
		return msgs.cancelled
	default:
		return msgs.tryAgain
	}
}

type messageSet struct {
	noCredential string
	safety       string
	noServer     string
	cancelled    string
	tryAgain     string
}

var messagesEN = messageSet{
	noCredential: "No personal token found. Set your token under Settings > Token & API.",
	safety:       "Your prompt or image was blocked by the safety filter. Please change your input.",
	noServer:     "No generation server is available right now. Please try again.",
	cancelled:    "The request was cancelled before it finished. Please try again.",
	tryAgain:     "Generation failed. Please try again.",
}

var messagesMS = messageSet{
	noCredential: "Token peribadi tidak dijumpai. Sila tetapkan token anda di Tetapan > Token & API.",
	safety:       "Prompt atau imej anda disekat oleh penapis keselamatan. Sila ubah input anda.",
	noServer:     "Tiada pelayan penjanaan tersedia sekarang. Sila cuba lagi.",
	cancelled:    "Permintaan dibatalkan sebelum selesai. Sila cuba lagi.",
	tryAgain:     "Penjanaan gagal. Sila cuba lagi.",
}
