package config

const (
	defaultDataDir     = "~/.local/share/bindery"
	defaultDownloadDir = "~/.local/share/bindery/downloads"
	defaultLogDir      = "~/.local/share/bindery/logs"

	defaultDoubanBaseURL        = "https://book.douban.com"
	defaultDoubanRequestTimeout = 30
	defaultDoubanRequestDelay   = 2
	defaultDoubanUserAgent      = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36"

	defaultZLibraryRequestTimeout = 60

	defaultCalibreRequestTimeout = 120

	defaultNtfyRequestTimeout = 10

	defaultPipelineTickInterval = 1
	defaultPipelineMaxWorkers   = 3
	defaultPipelineBatchSize    = 10
	defaultStuckTimeoutMinutes  = 30

	defaultSchedulerTickInterval = 1
	defaultMaxConcurrentTasks    = 3
	defaultMaxRetries            = 3
	defaultRetentionInterval     = 600

	defaultMinMatchScore = 0.6

	defaultMetricsInterval    = 60
	defaultAlertInterval      = 60
	defaultErrorRateThreshold = 0.5
	defaultBacklogThreshold   = 100

	defaultLogFormat = "console"
	defaultLogLevel  = "info"
)

var defaultPreferredFormats = []string{"epub", "mobi", "azw3", "pdf"}

// Default returns a configuration populated with built-in defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:     defaultDataDir,
			DownloadDir: defaultDownloadDir,
			LogDir:      defaultLogDir,
		},
		Douban: Douban{
			BaseURL:        defaultDoubanBaseURL,
			RequestTimeout: defaultDoubanRequestTimeout,
			RequestDelay:   defaultDoubanRequestDelay,
			UserAgent:      defaultDoubanUserAgent,
		},
		ZLibrary: ZLibrary{
			RequestTimeout:   defaultZLibraryRequestTimeout,
			PreferredFormats: append([]string(nil), defaultPreferredFormats...),
		},
		Calibre: Calibre{
			RequestTimeout: defaultCalibreRequestTimeout,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNtfyRequestTimeout,
		},
		Pipeline: Pipeline{
			TickInterval:        defaultPipelineTickInterval,
			MaxWorkers:          defaultPipelineMaxWorkers,
			BatchSize:           defaultPipelineBatchSize,
			StuckTimeoutMinutes: defaultStuckTimeoutMinutes,
		},
		Scheduler: Scheduler{
			TickInterval:       defaultSchedulerTickInterval,
			MaxConcurrentTasks: defaultMaxConcurrentTasks,
			MaxRetries:         defaultMaxRetries,
			RetentionInterval:  defaultRetentionInterval,
		},
		Search: Search{
			MinMatchScore: defaultMinMatchScore,
		},
		Monitoring: Monitoring{
			MetricsInterval:    defaultMetricsInterval,
			AlertInterval:      defaultAlertInterval,
			ErrorRateThreshold: defaultErrorRateThreshold,
			BacklogThreshold:   defaultBacklogThreshold,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
