package config

import "strings"

func (c *Config) normalize() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return err
	}
	if c.Paths.DownloadDir, err = expandPath(c.Paths.DownloadDir); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return err
	}

	c.Douban.BaseURL = strings.TrimRight(strings.TrimSpace(c.Douban.BaseURL), "/")
	c.ZLibrary.BaseURL = strings.TrimRight(strings.TrimSpace(c.ZLibrary.BaseURL), "/")
	c.Calibre.URL = strings.TrimRight(strings.TrimSpace(c.Calibre.URL), "/")
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)

	formats := make([]string, 0, len(c.ZLibrary.PreferredFormats))
	for _, format := range c.ZLibrary.PreferredFormats {
		format = strings.ToLower(strings.TrimSpace(format))
		if format != "" {
			formats = append(formats, format)
		}
	}
	if len(formats) == 0 {
		formats = append([]string(nil), defaultPreferredFormats...)
	}
	c.ZLibrary.PreferredFormats = formats

	if c.Pipeline.TickInterval <= 0 {
		c.Pipeline.TickInterval = defaultPipelineTickInterval
	}
	if c.Pipeline.MaxWorkers <= 0 {
		c.Pipeline.MaxWorkers = defaultPipelineMaxWorkers
	}
	if c.Pipeline.BatchSize <= 0 {
		c.Pipeline.BatchSize = defaultPipelineBatchSize
	}
	if c.Pipeline.StuckTimeoutMinutes <= 0 {
		c.Pipeline.StuckTimeoutMinutes = defaultStuckTimeoutMinutes
	}
	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = defaultSchedulerTickInterval
	}
	if c.Scheduler.MaxConcurrentTasks <= 0 {
		c.Scheduler.MaxConcurrentTasks = defaultMaxConcurrentTasks
	}
	if c.Scheduler.MaxRetries <= 0 {
		c.Scheduler.MaxRetries = defaultMaxRetries
	}
	if c.Scheduler.RetentionInterval <= 0 {
		c.Scheduler.RetentionInterval = defaultRetentionInterval
	}
	if c.Search.MinMatchScore <= 0 {
		c.Search.MinMatchScore = defaultMinMatchScore
	}
	if c.Monitoring.MetricsInterval <= 0 {
		c.Monitoring.MetricsInterval = defaultMetricsInterval
	}
	if c.Monitoring.AlertInterval <= 0 {
		c.Monitoring.AlertInterval = defaultAlertInterval
	}
	if c.Monitoring.ErrorRateThreshold <= 0 {
		c.Monitoring.ErrorRateThreshold = defaultErrorRateThreshold
	}
	if c.Monitoring.BacklogThreshold <= 0 {
		c.Monitoring.BacklogThreshold = defaultBacklogThreshold
	}

	return nil
}
