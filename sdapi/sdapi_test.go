package sdapi

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"zimage_gateway/core"
)

func defaults() GenerationParams {
	return DefaultParams(core.BackendConfig{
		DefaultWidth: 1024, DefaultHeight: 1024, DefaultSteps: 8, DefaultCFGScale: 1.0,
	})
}

func validTxt2Img() Txt2ImgRequest {
	p := defaults()
	p.Prompt = "a cat"
	return Txt2ImgRequest{GenerationParams: p}
}

func TestValidate_Dimensions(t *testing.T) {
	v := NewValidator()
	tests := []struct {
		width, height int
		ok            bool
	}{
		{1024, 1024, true},
		{64, 64, true},
		{2048, 2048, true},
		{512, 768, true},
		{0, 1024, false},
		{32, 1024, false},
		{1000, 1024, false},
		{1024, 1023, false},
		{2112, 1024, false},
		{1024, 4096, false},
		{-64, 1024, false},
	}
	for _, tt := range tests {
		req := validTxt2Img()
		req.Width, req.Height = tt.width, tt.height
		err := v.Validate(req)
		if (err == nil) != tt.ok {
			t.Errorf("Validate(%dx%d) = %v, want ok=%v", tt.width, tt.height, err, tt.ok)
		}
		if err != nil && !IsValidationError(err) {
			t.Errorf("Validate(%dx%d) returned %T, want *ValidationError", tt.width, tt.height, err)
		}
	}
}

func TestValidate_Ranges(t *testing.T) {
	v := NewValidator()
	tests := []struct {
		name   string
		mutate func(*Txt2ImgRequest)
		field  string
	}{
		{"empty prompt", func(r *Txt2ImgRequest) { r.Prompt = "" }, "prompt"},
		{"zero steps", func(r *Txt2ImgRequest) { r.Steps = 0 }, "steps"},
		{"too many steps", func(r *Txt2ImgRequest) { r.Steps = 151 }, "steps"},
		{"negative cfg", func(r *Txt2ImgRequest) { r.CFGScale = -0.5 }, "cfg_scale"},
		{"cfg too high", func(r *Txt2ImgRequest) { r.CFGScale = 30.5 }, "cfg_scale"},
		{"zero batch", func(r *Txt2ImgRequest) { r.BatchSize = 0 }, "batch_size"},
		{"batch too large", func(r *Txt2ImgRequest) { r.BatchSize = 9 }, "batch_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validTxt2Img()
			tt.mutate(&req)
			err := v.Validate(req)
			ve, ok := err.(*ValidationError)
			if !ok {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			if len(ve.Fields) != 1 || ve.Fields[0].Field != tt.field {
				t.Errorf("fields = %+v, want one error on %s", ve.Fields, tt.field)
			}
		})
	}
}

func TestValidate_SeedMinusOneAllowed(t *testing.T) {
	req := validTxt2Img()
	req.Seed = -1
	if err := NewValidator().Validate(req); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestValidate_UploadsRequired(t *testing.T) {
	v := NewValidator()
	req := InpaintRequest{
		Img2ImgRequest: Img2ImgRequest{GenerationParams: validTxt2Img().GenerationParams, Strength: 0.5},
	}
	err := v.Validate(req)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("Validate() = %v, want *ValidationError", err)
	}
	fields := map[string]bool{}
	for _, f := range ve.Fields {
		fields[f.Field] = true
	}
	if !fields["image"] || !fields["mask"] {
		t.Errorf("expected image and mask errors, got %+v", ve.Fields)
	}

	req.Image = []byte{1}
	req.Mask = []byte{2}
	req.Strength = 1.5
	err = v.Validate(req)
	if ve, ok := err.(*ValidationError); !ok || len(ve.Fields) != 1 || ve.Fields[0].Field != "strength" {
		t.Errorf("Validate() = %v, want single strength error", err)
	}
}

func TestTxt2ImgPayload_OmitsImageFields(t *testing.T) {
	b, err := json.Marshal(validTxt2Img().Payload())
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"init_images", "mask", "denoising_strength", "inpainting_mask_invert"} {
		if _, ok := m[k]; ok {
			t.Errorf("txt2img payload should not contain %s", k)
		}
	}
	if m["prompt"] != "a cat" || m["seed"] != float64(-1) || m["clip_skip"] != float64(-1) {
		t.Errorf("unexpected payload %v", m)
	}
}

func TestInpaintPayload(t *testing.T) {
	image := []byte("0123456789")
	mask := []byte("abcdefghij")

	for _, invert := range []bool{false, true} {
		req := InpaintRequest{
			Img2ImgRequest: Img2ImgRequest{
				GenerationParams: validTxt2Img().GenerationParams,
				Strength:         0,
				Image:            image,
			},
			InpaintingMaskInvert: invert,
			Mask:                 mask,
		}
		if req.Endpoint() != EndpointImg2Img {
			t.Fatalf("inpaint endpoint = %s", req.Endpoint())
		}

		b, err := json.Marshal(req.Payload())
		if err != nil {
			t.Fatal(err)
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			t.Fatal(err)
		}

		images, _ := m["init_images"].([]any)
		if len(images) != 1 || images[0] != base64.StdEncoding.EncodeToString(image) {
			t.Errorf("init_images = %v", m["init_images"])
		}
		if m["mask"] != base64.StdEncoding.EncodeToString(mask) {
			t.Errorf("mask = %v", m["mask"])
		}
		want := float64(0)
		if invert {
			want = 1
		}
		if m["inpainting_mask_invert"] != want {
			t.Errorf("invert=%v: inpainting_mask_invert = %v, want %v", invert, m["inpainting_mask_invert"], want)
		}
		if m["denoising_strength"] != float64(0) {
			t.Errorf("zero strength must still be sent, got %v", m["denoising_strength"])
		}
	}
}

func TestParseInpaintForm(t *testing.T) {
	values := FormValues{
		"prompt":                 {"a cat in a hat"},
		"width":                  {"512"},
		"steps":                  {" 12 "},
		"cfg_scale":              {"2.5"},
		"seed":                   {"42"},
		"strength":               {"0.6"},
		"inpainting_mask_invert": {"true"},
	}
	req, err := ParseInpaintForm(values, defaults())
	if err != nil {
		t.Fatalf("ParseInpaintForm() error = %v", err)
	}
	if req.Prompt != "a cat in a hat" || req.Width != 512 || req.Height != 1024 ||
		req.Steps != 12 || req.CFGScale != 2.5 || req.Seed != 42 ||
		req.Strength != 0.6 || !req.InpaintingMaskInvert || req.ClipSkip != -1 {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestParseImg2ImgForm_Defaults(t *testing.T) {
	req, err := ParseImg2ImgForm(FormValues{"prompt": {"x"}}, defaults())
	if err != nil {
		t.Fatal(err)
	}
	if req.Strength != DefaultStrength || req.Seed != RandomSeed || req.BatchSize != 1 {
		t.Errorf("defaults not applied: %+v", req)
	}
}

func TestParseForm_BadNumbers(t *testing.T) {
	_, err := ParseInpaintForm(FormValues{
		"prompt":                 {"x"},
		"width":                  {"wide"},
		"cfg_scale":              {"high"},
		"inpainting_mask_invert": {"maybe"},
	}, defaults())

	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	if len(ve.Fields) != 3 {
		t.Errorf("fields = %+v, want 3", ve.Fields)
	}
}
