package domain

import "encoding/json"

// RequestKind enumerates the generation flows.
type RequestKind string

const (
	KindTextToVideo  RequestKind = "text_to_video"
	KindImageToVideo RequestKind = "image_to_video"
	KindImageCompose RequestKind = "image_compose"
)

// Valid reports whether the kind is supported.
func (k RequestKind) Valid() bool {
	switch k {
	case KindTextToVideo, KindImageToVideo, KindImageCompose:
		return true
	default:
		return false
	}
}

// NeedsSourceImage reports whether the kind consumes an uploaded image.
func (k RequestKind) NeedsSourceImage() bool {
	return k == KindImageToVideo || k == KindImageCompose
}

// Service is the backend service family behind a proxy server.
type Service string

const (
	ServiceVeo    Service = "veo"
	ServiceImagen Service = "imagen"
)

// AspectRatio is the orientation requested for an output.
type AspectRatio string

const (
	AspectLandscape AspectRatio = "landscape"
	AspectPortrait  AspectRatio = "portrait"
	AspectSquare    AspectRatio = "square"
)

// Normalize maps free-form input onto a supported orientation.
func (a AspectRatio) Normalize() AspectRatio {
	switch a {
	case AspectPortrait, "9:16", "3:4":
		return AspectPortrait
	case AspectSquare, "1:1":
		return AspectSquare
	default:
		return AspectLandscape
	}
}

// ModelTier is the video model tier tried by the dispatcher.
type ModelTier string

const (
	TierUltra    ModelTier = "ultra"
	TierStandard ModelTier = "standard"
)

// SourceImage is raw image input supplied by the caller.
type SourceImage struct {
	Base64   string
	MimeType string
}

// Empty reports whether no image data is present.
func (s *SourceImage) Empty() bool {
	return s == nil || s.Base64 == ""
}

// GenerationRequest is one requested output.
type GenerationRequest struct {
	Kind        RequestKind
	Prompt      string
	AspectRatio AspectRatio
	Seed        int
	Image       *SourceImage
	// MediaID references an already uploaded image on the pinned server.
	MediaID string
}

// RequiresCaptcha reports whether the kind's dispatch embeds a CAPTCHA token.
func (r GenerationRequest) RequiresCaptcha() bool {
	return r.Kind == KindTextToVideo || r.Kind == KindImageToVideo
}

// RequiresAdmission reports whether the request is generation-class.
func (r GenerationRequest) RequiresAdmission() bool {
	return r.Kind.Valid()
}

// OperationState is the lifecycle state of one backend operation.
type OperationState string

const (
	OperationRunning   OperationState = "running"
	OperationSucceeded OperationState = "succeeded"
	OperationFailed    OperationState = "failed"
)

// Terminal reports whether no further polling is useful.
func (s OperationState) Terminal() bool {
	return s == OperationSucceeded || s == OperationFailed
}

// OperationHandle is the backend's opaque operation object, round-tripped
// verbatim to the status endpoint.
type OperationHandle json.RawMessage

// MarshalJSON keeps the handle verbatim.
func (h OperationHandle) MarshalJSON() ([]byte, error) {
	if len(h) == 0 {
		return []byte("null"), nil
	}
	return h, nil
}

// UnmarshalJSON keeps the handle verbatim.
func (h *OperationHandle) UnmarshalJSON(data []byte) error {
	*h = append((*h)[:0], data...)
	return nil
}

// VideoJob is a dispatched video generation bound to its affinity pair.
type VideoJob struct {
	Operations []OperationHandle
	Affinity   AffinityPair
	Tier       ModelTier
}

// OperationStatus is the parsed view of one polled operation.
type OperationStatus struct {
	Name     string
	State    OperationState
	RawState string
	VideoURL string
	Error    string
}

// StatusSnapshot is the result of one poll.
type StatusSnapshot struct {
	Operations []OperationStatus
	// Handles are the refreshed operation objects for the next poll.
	Handles []OperationHandle
}

// Terminal reports whether every operation reached a terminal state.
func (s StatusSnapshot) Terminal() bool {
	if len(s.Operations) == 0 {
		return false
	}
	for _, op := range s.Operations {
		if !op.State.Terminal() {
			return false
		}
	}
	return true
}

// UploadedMedia is a media reference created on a specific server.
type UploadedMedia struct {
	MediaID  string
	Affinity AffinityPair
}

// ComposedImage is an inline image produced by an image compose request.
type ComposedImage struct {
	EncodedImage string
	Affinity     AffinityPair
	// Location is where the image was persisted, when it was.
	Location string
}
