package sdapi

import (
	"strconv"
	"strings"
)

// FormValues is the subset of url.Values / multipart.Form.Value used here.
type FormValues map[string][]string

func (f FormValues) get(key string) (string, bool) {
	vs, ok := f[key]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return strings.TrimSpace(vs[0]), true
}

type formParser struct {
	values FormValues
	errs   []FieldError
}

func (p *formParser) str(key string, dst *string) {
	if v, ok := p.values[key]; ok && len(v) > 0 {
		*dst = v[0]
	}
}

func (p *formParser) integer(key string, dst *int) {
	s, ok := p.values.get(key)
	if !ok || s == "" {
		return
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		p.fail(key, "int", key+" must be an integer")
		return
	}
	*dst = n
}

func (p *formParser) int64(key string, dst *int64) {
	s, ok := p.values.get(key)
	if !ok || s == "" {
		return
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		p.fail(key, "int", key+" must be an integer")
		return
	}
	*dst = n
}

func (p *formParser) float(key string, dst *float64) {
	s, ok := p.values.get(key)
	if !ok || s == "" {
		return
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.fail(key, "float", key+" must be a number")
		return
	}
	*dst = f
}

// boolean accepts the spellings HTML forms and curl users commonly send.
func (p *formParser) boolean(key string, dst *bool) {
	s, ok := p.values.get(key)
	if !ok || s == "" {
		return
	}
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		*dst = true
	case "false", "0", "no", "off":
		*dst = false
	default:
		p.fail(key, "bool", key+" must be a boolean")
	}
}

func (p *formParser) fail(field, rule, msg string) {
	p.errs = append(p.errs, FieldError{Field: field, Rule: rule, Message: msg})
}

func (p *formParser) err() error {
	if len(p.errs) == 0 {
		return nil
	}
	return &ValidationError{Fields: p.errs}
}

func (p *formParser) params(dst *GenerationParams) {
	p.str("prompt", &dst.Prompt)
	p.str("negative_prompt", &dst.NegativePrompt)
	p.integer("width", &dst.Width)
	p.integer("height", &dst.Height)
	p.integer("steps", &dst.Steps)
	p.float("cfg_scale", &dst.CFGScale)
	p.int64("seed", &dst.Seed)
	p.integer("batch_size", &dst.BatchSize)
	p.str("sampler_name", &dst.SamplerName)
	p.str("scheduler", &dst.Scheduler)
	p.integer("clip_skip", &dst.ClipSkip)
}

func (p *formParser) img2img(defaults GenerationParams) Img2ImgRequest {
	req := Img2ImgRequest{GenerationParams: defaults, Strength: DefaultStrength}
	p.params(&req.GenerationParams)
	p.float("strength", &req.Strength)
	return req
}

// ParseImg2ImgForm fills an Img2ImgRequest from form values on top of
// defaults. The image bytes are attached by the caller.
func ParseImg2ImgForm(values FormValues, defaults GenerationParams) (Img2ImgRequest, error) {
	p := &formParser{values: values}
	req := p.img2img(defaults)
	return req, p.err()
}

// ParseInpaintForm is ParseImg2ImgForm plus inpainting_mask_invert.
func ParseInpaintForm(values FormValues, defaults GenerationParams) (InpaintRequest, error) {
	p := &formParser{values: values}
	req := InpaintRequest{Img2ImgRequest: p.img2img(defaults)}
	p.boolean("inpainting_mask_invert", &req.InpaintingMaskInvert)
	return req, p.err()
}
