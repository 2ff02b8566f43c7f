package models

// PromptSpec describes the free-text input a model accepts. Models without
// one take the source image only.
type PromptSpec struct {
	Label       string `json:"label"`
	Placeholder string `json:"placeholder"`
}

type Descriptor struct {
	Key           string      `json:"key"`
	WireID        string      `json:"model"` // fal.ai identifier, e.g. fal-ai/image-editing/cartoonify
	Description   string      `json:"description"`
	Prompt        *PromptSpec `json:"prompt,omitempty"`
	ExampleInput  string      `json:"example_input"`
	ExampleOutput string      `json:"example_output"`
}

// HasPrompt reports whether the model accepts a free-text prompt.
func (d Descriptor) HasPrompt() bool { return d.Prompt != nil }

const (
	exampleInput  = "https://v3.fal.media/files/zebra/hAjCkcyly4gsS9-cptD3Y_image%20(20).png"
	exampleOutput = "https://fal.media/files/lion/t7L2EtPYDkz1-fBlJsodJ_4e7306f22c8748258f96d1e5ed5a4cfe.jpg"
)

var catalog = []Descriptor{
	{
		Key:         "ageProgression",
		WireID:      "fal-ai/image-editing/age-progression",
		Description: "See how a person might look as they age. Change the apparent age of a face in the image.",
		Prompt:      &PromptSpec{Label: "Age Change", Placeholder: "20 years older"},
	},
	{
		Key:         "baby",
		WireID:      "fal-ai/image-editing/baby-version",
		Description: "Transform a face into a baby version, making the subject look much younger.",
	},
	{
		Key:         "backgroundChange",
		WireID:      "fal-ai/image-editing/background-change",
		Description: "Replace the background of your image with any scene or setting you describe.",
		Prompt:      &PromptSpec{Label: "Background Prompt", Placeholder: "beach sunset with palm trees"},
	},
	{
		Key:         "cartoonify",
		WireID:      "fal-ai/image-editing/cartoonify",
		Description: "Turn your photo into a cartoon-style image with bold lines and vibrant colors.",
	},
	{
		Key:         "colorCorrection",
		WireID:      "fal-ai/image-editing/color-correction",
		Description: "Adjust the colors in your image for a more natural or stylized look.",
	},
	{
		Key:         "expressionChange",
		WireID:      "fal-ai/image-editing/expression-change",
		Description: "Change the facial expression of the subject, such as from neutral to smiling or sad.",
		Prompt:      &PromptSpec{Label: "Expression Prompt", Placeholder: "sad"},
	},
	{
		Key:         "faceEnhancement",
		WireID:      "fal-ai/image-editing/face-enhancement",
		Description: "Enhance facial features for a clearer, more professional appearance.",
	},
	{
		Key:         "hairChange",
		WireID:      "fal-ai/image-editing/hair-change",
		Description: "Change the hairstyle or hair color of the subject in the image.",
		Prompt:      &PromptSpec{Label: "Hair Style Prompt", Placeholder: "bald"},
	},
	{
		Key:         "objectRemoval",
		WireID:      "fal-ai/image-editing/object-removal",
		Description: "Remove unwanted objects or people from your image by describing them.",
		Prompt:      &PromptSpec{Label: "Objects to Remove", Placeholder: "background people"},
	},
	{
		Key:         "photoRestoration",
		WireID:      "fal-ai/image-editing/photo-restoration",
		Description: "Restore old or damaged photos, removing scratches and improving quality.",
	},
	{
		Key:         "professional",
		WireID:      "fal-ai/image-editing/professional-photo",
		Description: "Enhance your photo for a professional look, perfect for resumes or social media.",
	},
	{
		Key:         "sceneComposition",
		WireID:      "fal-ai/image-editing/scene-composition",
		Description: "Place your subject in any scene you imagine, from enchanted forests to urban settings, with professional composition and lighting",
		Prompt:      &PromptSpec{Label: "Scene Description", Placeholder: "enchanted forest"},
	},
	{
		Key:         "styleTransfer",
		WireID:      "fal-ai/image-editing/style-transfer",
		Description: "Apply a new artistic style to your image, such as making it look like a painting or drawing.",
		Prompt:      &PromptSpec{Label: "Style Prompt", Placeholder: "Van Gogh's Starry Night"},
	},
	{
		Key:         "textRemoval",
		WireID:      "fal-ai/image-editing/text-removal",
		Description: "Remove all text and writing from images while preserving the background and natural appearance.",
	},
	{
		Key:         "timeOfDay",
		WireID:      "fal-ai/image-editing/time-of-day",
		Description: "Change the time of day in your image, such as turning day into night or vice versa.",
		Prompt:      &PromptSpec{Label: "Time of Day", Placeholder: "golden hour"},
	},
	{
		Key:         "weatherEffect",
		WireID:      "fal-ai/image-editing/weather-effect",
		Description: "Add or change weather effects in your image, such as rain, snow, or sunshine while maintaining scene's mood.",
		Prompt:      &PromptSpec{Label: "Weather Effect", Placeholder: "heavy snowfall"},
	},
}

var byKey = func() map[string]Descriptor {
	m := make(map[string]Descriptor, len(catalog))
	for i := range catalog {
		d := catalog[i]
		d.ExampleInput = exampleInput
		d.ExampleOutput = exampleOutput
		m[d.Key] = d
	}
	return m
}()

// Find returns the descriptor for key. A missing key is a caller bug, not a
// runtime condition; ok=false lets callers turn it into a validation error.
func Find(key string) (Descriptor, bool) {
	d, ok := byKey[key]
	return d, ok
}

// All returns every descriptor in catalog order.
func All() []Descriptor {
	out := make([]Descriptor, 0, len(catalog))
	for _, d := range catalog {
		out = append(out, byKey[d.Key])
	}
	return out
}
