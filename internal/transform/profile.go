package transform

// Profile carries the encoder settings shared by every transform.
type Profile struct {
	Limits     Limits
	VideoCodec string
	AudioCodec string
	Preset     string
	// BlurSigma is the gaussian sigma applied to the downscaled background.
	BlurSigma float64
	// Threads is passed to the encoder; 0 lets it choose.
	Threads int

	PosterWidth   int
	PosterQuality int
}

func DefaultProfile() Profile {
	return Profile{
		Limits:        DefaultLimits(),
		VideoCodec:    "libx264",
		AudioCodec:    "aac",
		Preset:        "ultrafast",
		BlurSigma:     4,
		PosterWidth:   720,
		PosterQuality: 80,
	}
}
