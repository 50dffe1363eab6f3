package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	AWS struct {
		Region       string `yaml:"region"`
		ImageID      string `yaml:"image_id"`
		InstanceType string `yaml:"instance_type"`
	} `yaml:"aws"`

	Names struct {
		// UnitPrefix seeds the per-run unit name (unit = prefix + random suffix).
		UnitPrefix string `yaml:"unit_prefix"`
		Repository string `yaml:"repository"`
		// Bucket names get "-<account-id>" appended at runtime.
		ResultsBucketPrefix string `yaml:"results_bucket_prefix"`
		LogsBucketPrefix    string `yaml:"logs_bucket_prefix"`
	} `yaml:"names"`

	Build struct {
		Dockerfile          string `yaml:"dockerfile"`
		Requirements        string `yaml:"requirements"`
		PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	} `yaml:"build"`

	Identity struct {
		InstanceRole            string `yaml:"instance_role"`
		BuildRole               string `yaml:"build_role"`
		PropagationDelaySeconds int    `yaml:"propagation_delay_seconds"`
	} `yaml:"identity"`

	Monitor struct {
		PollIntervalSeconds     int `yaml:"poll_interval_seconds"`
		DeadlineSeconds         int `yaml:"deadline_seconds"`
		ErrorBackoffSeconds     int `yaml:"error_backoff_seconds"`
		ResultRetryCount        int `yaml:"result_retry_count"`
		ResultRetryDelaySeconds int `yaml:"result_retry_delay_seconds"`
		ConsoleTailLines        int `yaml:"console_tail_lines"`
	} `yaml:"monitor"`

	Paths struct {
		ResultsDir       string `yaml:"results_dir"`
		LogsDir          string `yaml:"logs_dir"`
		DriverScript     string `yaml:"driver_script"`
		ScrapersDir      string `yaml:"scrapers_dir"`
		UserDataTemplate string `yaml:"user_data_template"`
	} `yaml:"paths"`

	LogRetentionHours int `yaml:"log_retention_hours"`
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var cfg Config
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWS.Region = region
	}

	return &cfg, nil
}

// Default returns a config with every default applied, for the CLI path
// where no config file is present.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWS.Region = region
	}
	return &cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5000
	}
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = "us-east-1"
	}
	if cfg.AWS.ImageID == "" {
		cfg.AWS.ImageID = "ami-0e2c8caa4b6378d8c" // Ubuntu 24.04 LTS
	}
	if cfg.AWS.InstanceType == "" {
		cfg.AWS.InstanceType = "t3.medium"
	}
	if cfg.Names.UnitPrefix == "" {
		cfg.Names.UnitPrefix = "ai-executor"
	}
	if cfg.Names.Repository == "" {
		cfg.Names.Repository = "ai-executor-ec2"
	}
	if cfg.Names.ResultsBucketPrefix == "" {
		cfg.Names.ResultsBucketPrefix = "ai-executor-results"
	}
	if cfg.Names.LogsBucketPrefix == "" {
		cfg.Names.LogsBucketPrefix = "ai-executor-logs"
	}
	if cfg.Build.Dockerfile == "" {
		cfg.Build.Dockerfile = "runtime/Dockerfile"
	}
	if cfg.Build.Requirements == "" {
		cfg.Build.Requirements = "runtime/requirements.txt"
	}
	if cfg.Build.PollIntervalSeconds == 0 {
		cfg.Build.PollIntervalSeconds = 30
	}
	if cfg.Identity.InstanceRole == "" {
		cfg.Identity.InstanceRole = "ai-executor-ec2-role"
	}
	if cfg.Identity.BuildRole == "" {
		cfg.Identity.BuildRole = "codebuild-service-role"
	}
	if cfg.Identity.PropagationDelaySeconds == 0 {
		cfg.Identity.PropagationDelaySeconds = 10
	}
	if cfg.Monitor.PollIntervalSeconds == 0 {
		cfg.Monitor.PollIntervalSeconds = 30
	}
	if cfg.Monitor.DeadlineSeconds == 0 {
		cfg.Monitor.DeadlineSeconds = 259200 // 3 days, matches the unit's self-shutdown timer
	}
	if cfg.Monitor.ErrorBackoffSeconds == 0 {
		cfg.Monitor.ErrorBackoffSeconds = 10
	}
	if cfg.Monitor.ResultRetryCount == 0 {
		cfg.Monitor.ResultRetryCount = 6
	}
	if cfg.Monitor.ResultRetryDelaySeconds == 0 {
		cfg.Monitor.ResultRetryDelaySeconds = 5
	}
	if cfg.Monitor.ConsoleTailLines == 0 {
		cfg.Monitor.ConsoleTailLines = 30
	}
	if cfg.Paths.ResultsDir == "" {
		cfg.Paths.ResultsDir = "results"
	}
	if cfg.Paths.LogsDir == "" {
		cfg.Paths.LogsDir = "logs"
	}
	if cfg.Paths.DriverScript == "" {
		cfg.Paths.DriverScript = "scripts/automation_task.py"
	}
	if cfg.Paths.ScrapersDir == "" {
		cfg.Paths.ScrapersDir = "scripts/scrapers"
	}
	if cfg.Paths.UserDataTemplate == "" {
		cfg.Paths.UserDataTemplate = "scripts/user_data.sh"
	}
	if cfg.LogRetentionHours == 0 {
		cfg.LogRetentionHours = 168 // one week
	}
}

func (cfg *Config) BuildPollInterval() time.Duration {
	return time.Duration(cfg.Build.PollIntervalSeconds) * time.Second
}

func (cfg *Config) PropagationDelay() time.Duration {
	return time.Duration(cfg.Identity.PropagationDelaySeconds) * time.Second
}

func (cfg *Config) MonitorPollInterval() time.Duration {
	return time.Duration(cfg.Monitor.PollIntervalSeconds) * time.Second
}

func (cfg *Config) MonitorDeadline() time.Duration {
	return time.Duration(cfg.Monitor.DeadlineSeconds) * time.Second
}

func (cfg *Config) MonitorErrorBackoff() time.Duration {
	return time.Duration(cfg.Monitor.ErrorBackoffSeconds) * time.Second
}

func (cfg *Config) ResultRetryDelay() time.Duration {
	return time.Duration(cfg.Monitor.ResultRetryDelaySeconds) * time.Second
}

func (cfg *Config) LogRetention() time.Duration {
	return time.Duration(cfg.LogRetentionHours) * time.Hour
}
