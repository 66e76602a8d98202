package sdapi

import "encoding/base64"

// Payload is the JSON body sent to sd-server's txt2img and img2img
// endpoints. Image fields are omitted for text-to-image.
type Payload struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	CFGScale       float64 `json:"cfg_scale"`
	Seed           int64   `json:"seed"`
	BatchSize      int     `json:"batch_size"`
	SamplerName    string  `json:"sampler_name"`
	Scheduler      string  `json:"scheduler"`
	ClipSkip       int     `json:"clip_skip"`

	InitImages           []string `json:"init_images,omitempty"`
	Mask                 string   `json:"mask,omitempty"`
	DenoisingStrength    *float64 `json:"denoising_strength,omitempty"`
	InpaintingMaskInvert *int     `json:"inpainting_mask_invert,omitempty"`
}

func basePayload(p GenerationParams) Payload {
	return Payload{
		Prompt:         p.Prompt,
		NegativePrompt: p.NegativePrompt,
		Width:          p.Width,
		Height:         p.Height,
		Steps:          p.Steps,
		CFGScale:       p.CFGScale,
		Seed:           p.Seed,
		BatchSize:      p.BatchSize,
		SamplerName:    p.SamplerName,
		Scheduler:      p.Scheduler,
		ClipSkip:       p.ClipSkip,
	}
}

// Payload converts a text-to-image request.
func (r Txt2ImgRequest) Payload() Payload {
	return basePayload(r.GenerationParams)
}

// Payload converts an image-to-image request, base64-encoding the source.
func (r Img2ImgRequest) Payload() Payload {
	p := basePayload(r.GenerationParams)
	p.InitImages = []string{base64.StdEncoding.EncodeToString(r.Image)}
	strength := r.Strength
	p.DenoisingStrength = &strength
	return p
}

// Payload converts an inpainting request. The mask travels as its own
// base64 field and the invert flag as 0 or 1.
func (r InpaintRequest) Payload() Payload {
	p := r.Img2ImgRequest.Payload()
	p.Mask = base64.StdEncoding.EncodeToString(r.Mask)
	invert := 0
	if r.InpaintingMaskInvert {
		invert = 1
	}
	p.InpaintingMaskInvert = &invert
	return p
}

// Endpoint returns the backend path for each request kind. Inpainting shares
// the img2img endpoint.
func (Txt2ImgRequest) Endpoint() string { return EndpointTxt2Img }
func (Img2ImgRequest) Endpoint() string { return EndpointImg2Img }
func (InpaintRequest) Endpoint() string { return EndpointImg2Img }

// Kind names the request type for logs and history.
func (Txt2ImgRequest) Kind() string { return "txt2img" }
func (Img2ImgRequest) Kind() string { return "img2img" }
func (InpaintRequest) Kind() string { return "inpaint" }
