package workflow

// builtinClasses are the stock node classes shipped with ComfyUI itself.
// They are never reported as external dependencies.
var builtinClasses = map[string]bool{
	"CheckpointLoaderSimple":    true,
	"CheckpointLoader":          true,
	"CLIPLoader":                true,
	"CLIPSetLastLayer":          true,
	"CLIPTextEncode":            true,
	"CLIPVisionEncode":          true,
	"CLIPVisionLoader":          true,
	"ConditioningAverage":       true,
	"ConditioningCombine":       true,
	"ConditioningConcat":        true,
	"ConditioningSetArea":       true,
	"ControlNetApply":           true,
	"ControlNetApplyAdvanced":   true,
	"ControlNetLoader":          true,
	"DualCLIPLoader":            true,
	"EmptyImage":                true,
	"EmptyLatentImage":          true,
	"GLIGENLoader":              true,
	"ImageBatch":                true,
	"ImageInvert":               true,
	"ImagePadForOutpaint":       true,
	"ImageScale":                true,
	"ImageScaleBy":              true,
	"ImageUpscaleWithModel":     true,
	"InpaintModelConditioning":  true,
	"KSampler":                  true,
	"KSamplerAdvanced":          true,
	"LatentBlend":               true,
	"LatentComposite":           true,
	"LatentFlip":                true,
	"LatentRotate":              true,
	"LatentUpscale":             true,
	"LatentUpscaleBy":           true,
	"LoadImage":                 true,
	"LoadImageMask":             true,
	"LoraLoader":                true,
	"LoraLoaderModelOnly":       true,
	"Note":                      true,
	"PreviewImage":              true,
	"Reroute":                   true,
	"SaveImage":                 true,
	"SaveLatent":                true,
	"StyleModelApply":           true,
	"StyleModelLoader":          true,
	"TomePatchModel":            true,
	"UNETLoader":                true,
	"UpscaleModelLoader":        true,
	"VAEDecode":                 true,
	"VAEDecodeTiled":            true,
	"VAEEncode":                 true,
	"VAEEncodeForInpaint":       true,
	"VAEEncodeTiled":            true,
	"VAELoader":                 true,
	"unCLIPCheckpointLoader":    true,
	"unCLIPConditioning":        true,
}
