package flow

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"genproxy/internal/domain"
)

// Paths served under /api/{service}.
const (
	PathGenerateT2V = "/generate-t2v"
	PathGenerateI2V = "/generate-i2v"
	PathStatus      = "/status"
	PathUpload      = "/upload"
	PathRunRecipe   = "/run-recipe"
)

const (
	toolVideo       = "PINHOLE"
	toolAssets      = "ASSET_MANAGER"
	toolRecipe      = "BACKBONE"
	paygateTierTwo  = "PAYGATE_TIER_TWO"
	mediaCategory   = "MEDIA_CATEGORY_SUBJECT"
	recipeImageKind = "R2I"
)

// ClientContext is the session block carried by every generation-class body.
type ClientContext struct {
	SessionID       string `json:"sessionId"`
	ProjectID       string `json:"projectId,omitempty"`
	Tool            string `json:"tool"`
	UserPaygateTier string `json:"userPaygateTier,omitempty"`
	RecaptchaToken  string `json:"recaptchaToken,omitempty"`
}

// Payload is a request body whose session block may receive a CAPTCHA token.
type Payload interface {
	Context() *ClientContext
}

// NewSessionID returns the ";<unix-ms>" session identifier.
func NewSessionID(now time.Time) string {
	return ";" + strconv.FormatInt(now.UnixMilli(), 10)
}

type TextInput struct {
	Prompt string `json:"prompt"`
}

type SceneMetadata struct {
	SceneID string `json:"sceneId"`
}

type MediaRef struct {
	MediaID string `json:"mediaId"`
}

type VideoRequestItem struct {
	AspectRatio   string        `json:"aspectRatio"`
	Seed          int           `json:"seed"`
	TextInput     TextInput     `json:"textInput"`
	VideoModelKey string        `json:"videoModelKey"`
	Metadata      SceneMetadata `json:"metadata"`
	StartImage    *MediaRef     `json:"startImage,omitempty"`
}

// VideoRequest is the body of /generate-t2v and /generate-i2v.
type VideoRequest struct {
	ClientContext ClientContext      `json:"clientContext"`
	Requests      []VideoRequestItem `json:"requests"`
}

func (r *VideoRequest) Context() *ClientContext { return &r.ClientContext }

// VideoSpec holds what stays identical across tier attempts of one dispatch.
type VideoSpec struct {
	Kind        domain.RequestKind
	Prompt      string
	AspectRatio domain.AspectRatio
	Seed        int
	SceneID     string
	ProjectID   string
	MediaID     string
}

// Build renders the body for tier with a fresh session id.
func (s VideoSpec) Build(tier domain.ModelTier, now time.Time) *VideoRequest {
	item := VideoRequestItem{
		AspectRatio:   VideoAspect(s.AspectRatio),
		Seed:          s.Seed,
		TextInput:     TextInput{Prompt: s.Prompt},
		VideoModelKey: VideoModelKey(s.Kind, s.AspectRatio, tier),
		Metadata:      SceneMetadata{SceneID: s.SceneID},
	}
	if s.Kind == domain.KindImageToVideo && s.MediaID != "" {
		item.StartImage = &MediaRef{MediaID: s.MediaID}
	}
	return &VideoRequest{
		ClientContext: ClientContext{
			SessionID:       NewSessionID(now),
			ProjectID:       s.ProjectID,
			Tool:            toolVideo,
			UserPaygateTier: paygateTierTwo,
		},
		Requests: []VideoRequestItem{item},
	}
}

// VideoPath returns the generate endpoint for kind.
func VideoPath(kind domain.RequestKind) string {
	if kind == domain.KindImageToVideo {
		return PathGenerateI2V
	}
	return PathGenerateT2V
}

// VideoModelKey names the model for kind, orientation and tier.
func VideoModelKey(kind domain.RequestKind, aspect domain.AspectRatio, tier domain.ModelTier) string {
	key := "veo_3_1_t2v_fast"
	if kind == domain.KindImageToVideo {
		key = "veo_3_1_i2v_s_fast"
	}
	if aspect.Normalize() == domain.AspectPortrait {
		key += "_portrait"
	}
	if tier == domain.TierUltra {
		key += "_ultra"
	}
	return key
}

// VideoAspect maps an orientation to the video enum. Square renders landscape.
func VideoAspect(aspect domain.AspectRatio) string {
	if aspect.Normalize() == domain.AspectPortrait {
		return "VIDEO_ASPECT_RATIO_PORTRAIT"
	}
	return "VIDEO_ASPECT_RATIO_LANDSCAPE"
}

// ImageAspect maps an orientation to the image enum.
func ImageAspect(aspect domain.AspectRatio) string {
	switch aspect.Normalize() {
	case domain.AspectPortrait:
		return "IMAGE_ASPECT_RATIO_PORTRAIT"
	case domain.AspectSquare:
		return "IMAGE_ASPECT_RATIO_SQUARE"
	default:
		return "IMAGE_ASPECT_RATIO_LANDSCAPE"
	}
}

type ImageInput struct {
	RawImageBytes  string `json:"rawImageBytes"`
	MimeType       string `json:"mimeType"`
	IsUserUploaded bool   `json:"isUserUploaded"`
	AspectRatio    string `json:"aspectRatio"`
}

// UploadRequest is the body of /upload.
type UploadRequest struct {
	ImageInput    ImageInput    `json:"imageInput"`
	ClientContext ClientContext `json:"clientContext"`
}

func (r *UploadRequest) Context() *ClientContext { return &r.ClientContext }

// NewUploadRequest builds an upload body for image.
func NewUploadRequest(image domain.SourceImage, aspect domain.AspectRatio, now time.Time) *UploadRequest {
	mime := strings.TrimSpace(image.MimeType)
	if mime == "" {
		mime = "image/png"
	}
	return &UploadRequest{
		ImageInput: ImageInput{
			RawImageBytes:  image.Base64,
			MimeType:       mime,
			IsUserUploaded: true,
			AspectRatio:    ImageAspect(aspect),
		},
		ClientContext: ClientContext{SessionID: NewSessionID(now), Tool: toolAssets},
	}
}

type RecipeMediaInput struct {
	Caption    string      `json:"caption"`
	MediaInput RecipeMedia `json:"mediaInput"`
}

type RecipeMedia struct {
	MediaCategory     string `json:"mediaCategory"`
	MediaGenerationID string `json:"mediaGenerationId"`
}

type ImageModelSettings struct {
	ImageModel  string `json:"imageModel"`
	AspectRatio string `json:"aspectRatio"`
}

// RecipeRequest is the body of /run-recipe.
type RecipeRequest struct {
	ClientContext      ClientContext      `json:"clientContext"`
	Seed               int                `json:"seed"`
	ImageModelSettings ImageModelSettings `json:"imageModelSettings"`
	UserInstruction    string             `json:"userInstruction"`
	RecipeMediaInputs  []RecipeMediaInput `json:"recipeMediaInputs"`
}

func (r *RecipeRequest) Context() *ClientContext { return &r.ClientContext }

// NewRecipeRequest builds an image compose body around an uploaded subject.
func NewRecipeRequest(instruction, mediaID string, aspect domain.AspectRatio, seed int, now time.Time) *RecipeRequest {
	return &RecipeRequest{
		ClientContext:      ClientContext{SessionID: NewSessionID(now), Tool: toolRecipe},
		Seed:               seed,
		ImageModelSettings: ImageModelSettings{ImageModel: recipeImageKind, AspectRatio: ImageAspect(aspect)},
		UserInstruction:    instruction,
		RecipeMediaInputs: []RecipeMediaInput{{
			Caption:    "subject",
			MediaInput: RecipeMedia{MediaCategory: mediaCategory, MediaGenerationID: mediaID},
		}},
	}
}

// StatusRequest is the body of /status. Handles go back verbatim.
type StatusRequest struct {
	Operations []domain.OperationHandle `json:"operations"`
}

func (r *StatusRequest) Context() *ClientContext { return nil }

type generateResponse struct {
	Operations []domain.OperationHandle `json:"operations"`
}

type uploadResponse struct {
	MediaGenerationID struct {
		MediaGenerationID string `json:"mediaGenerationId"`
	} `json:"mediaGenerationId"`
	MediaID string `json:"mediaId"`
}

func (r uploadResponse) id() string {
	if id := strings.TrimSpace(r.MediaGenerationID.MediaGenerationID); id != "" {
		return id
	}
	return strings.TrimSpace(r.MediaID)
}

type recipeResponse struct {
	ImagePanels []struct {
		GeneratedImages []struct {
			EncodedImage string `json:"encodedImage"`
		} `json:"generatedImages"`
	} `json:"imagePanels"`
}

func (r recipeResponse) firstImage() string {
	if len(r.ImagePanels) == 0 || len(r.ImagePanels[0].GeneratedImages) == 0 {
		return ""
	}
	return r.ImagePanels[0].GeneratedImages[0].EncodedImage
}

type videoRef struct {
	FifeURL         string `json:"fifeUrl"`
	ServingBaseURI  string `json:"servingBaseUri"`
	EncodedVideoURI string `json:"uri"`
}

func (v *videoRef) url() string {
	if v == nil {
		return ""
	}
	for _, u := range []string{v.FifeURL, v.ServingBaseURI, v.EncodedVideoURI} {
		if u = strings.TrimSpace(u); u != "" {
			return u
		}
	}
	return ""
}

type operationView struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Operation struct {
		Name     string `json:"name"`
		Metadata struct {
			Video *videoRef `json:"video"`
		} `json:"metadata"`
	} `json:"operation"`
	Result struct {
		GeneratedVideo  *videoRef  `json:"generatedVideo"`
		GeneratedVideos []videoRef `json:"generatedVideos"`
	} `json:"result"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

const (
	statusSuccessful = "MEDIA_GENERATION_STATUS_SUCCESSFUL"
	statusFailed     = "MEDIA_GENERATION_STATUS_FAILED"
)

// ParseOperation reads the state of one returned operation object.
func ParseOperation(handle domain.OperationHandle) domain.OperationStatus {
	var view operationView
	if err := json.Unmarshal(handle, &view); err != nil {
		return domain.OperationStatus{State: domain.OperationRunning}
	}
	out := domain.OperationStatus{Name: view.Name, RawState: view.Status}
	if out.Name == "" {
		out.Name = view.Operation.Name
	}
	switch {
	case view.Error != nil:
		out.State = domain.OperationFailed
		out.Error = view.Error.Message
	case view.Status == statusFailed:
		out.State = domain.OperationFailed
	case view.Status == statusSuccessful:
		out.State = domain.OperationSucceeded
	default:
		out.State = domain.OperationRunning
	}
	if out.State == domain.OperationSucceeded {
		out.VideoURL = view.Operation.Metadata.Video.url()
		if out.VideoURL == "" {
			out.VideoURL = view.Result.GeneratedVideo.url()
		}
		if out.VideoURL == "" && len(view.Result.GeneratedVideos) > 0 {
			out.VideoURL = view.Result.GeneratedVideos[0].url()
		}
	}
	return out
}
