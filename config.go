package memgate

import (
	"github.com/spf13/viper"
)

func loadConfig() {
	viper.SetConfigName("memgaterc")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.memgate")

	setupDefaults()

	viper.ReadInConfig()

	viper.SetEnvPrefix("memgate")
	viper.AutomaticEnv()
}

func setupDefaults() {
	defaultSettings := map[string]interface{}{
		"yellowLine":         0.4,               // Fraction of capacity that triggers pressure relief
		"targetConcurrency":  0,                 // Extra stop-selection cap; 0 disables it
		"stopPriorityLevels": 3,                 // Distinct stop severity bands
		"evalInterval":       100,               // Milliseconds between pressure evaluations
		"sampleBatch":        100,               // Records between task progress reports
		"memoryCapacity":     512 * 1024 * 1024, // Default capacity for the runtime memory counter is 512Mb
		"historySize":        128,               // Finished tasks retained for end-of-job reporting
		"splitSize":          100 * 1024 * 1024, // Default input split size is 100Mb
		"mapBinSize":         512 * 1024 * 1024, // Default map bin size is 512Mb
		"maxConcurrency":     200,               // Maximum number of concurrent tasks
		"workingLocation":    ".",
		"cleanup":            true,
		"verbose":            false,
		"numReduce":          1,
	}
	for key, value := range defaultSettings {
		viper.SetDefault(key, value)
	}

	aliases := map[string]string{
		"verbose":          "v",
		"working_location": "o",
	}
	for key, alias := range aliases {
		viper.RegisterAlias(alias, key)
	}
}
