package config

// Default returns the baseline configuration used when no file is present.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			Endpoint:  "ws://127.0.0.1:9090",
			Model:     "general",
			Languages: []string{"en-US"},
		},
		Session: SessionConfig{
			Language:       "en-US",
			MaxResults:     5,
			StopDeadlineMS: 1500,
		},
		Bridge: BridgeConfig{
			Listen: "127.0.0.1:8777",
		},
		Audio: AudioConfig{
			Input:      "default",
			SampleRate: 16000,
		},
		Permission: "granted",
	}
}
