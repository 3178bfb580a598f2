package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Dominican809/humano-watcher/internal/logger"
	"github.com/spf13/viper"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	IMAP      IMAPConfig                `toml:"imap" mapstructure:"imap"`
	Match     MatchConfig               `toml:"match" mapstructure:"match"`
	Window    WindowConfig              `toml:"window" mapstructure:"window"`
	Store     StoreConfig               `toml:"store" mapstructure:"store"`
	History   HistoryConfig             `toml:"history" mapstructure:"history"`
	Goval     GovalConfig               `toml:"goval" mapstructure:"goval"`
	Report    ReportConfig              `toml:"report" mapstructure:"report"`
	Pipelines map[string]PipelineConfig `toml:"pipelines" mapstructure:"pipelines"`
	Server    ServerConfig              `toml:"server" mapstructure:"server"`
	Log       *logger.Config            `toml:"log" mapstructure:"log"`
}

type IMAPConfig struct {
	Host     string `toml:"host" mapstructure:"host"`
	Port     int    `toml:"port" mapstructure:"port"`
	User     string `toml:"user" mapstructure:"user"`
	Password string `toml:"password" mapstructure:"password"`
	Folder   string `toml:"folder" mapstructure:"folder"`
	SSL      *bool  `toml:"ssl" mapstructure:"ssl"`
	// PollInterval 0 selects server push (IDLE) with polling as the
	// degradation path; a nonzero value forces polling at that interval.
	PollInterval time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
}

// MatchConfig selects which messages trigger work. Patterns are regular
// expressions, matched case-insensitively; an empty sender list accepts
// any sender.
type MatchConfig struct {
	SubjectPatterns []string `toml:"subject_patterns" mapstructure:"subject_patterns"`
	SenderPatterns  []string `toml:"sender_patterns" mapstructure:"sender_patterns"`
}

type WindowConfig struct {
	Days      []string `toml:"days" mapstructure:"days"`
	StartHour int      `toml:"start_hour" mapstructure:"start_hour"`
	EndHour   int      `toml:"end_hour" mapstructure:"end_hour"`
	Timezone  string   `toml:"timezone" mapstructure:"timezone"`
}

type StoreConfig struct {
	DedupPath   string `toml:"dedup_path" mapstructure:"dedup_path"`
	SessionPath string `toml:"session_path" mapstructure:"session_path"`
	StatsDir    string `toml:"stats_dir" mapstructure:"stats_dir"`
}

type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

type GovalConfig struct {
	BaseURL  string        `toml:"base_url" mapstructure:"base_url"`
	Username string        `toml:"username" mapstructure:"username"`
	Password string        `toml:"password" mapstructure:"password"`
	Timeout  time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type ReportConfig struct {
	Enabled  bool     `toml:"enabled" mapstructure:"enabled"`
	SMTPHost string   `toml:"smtp_host" mapstructure:"smtp_host"`
	SMTPPort int      `toml:"smtp_port" mapstructure:"smtp_port"`
	User     string   `toml:"user" mapstructure:"user"`
	Password string   `toml:"password" mapstructure:"password"`
	From     string   `toml:"from" mapstructure:"from"`
	To       []string `toml:"to" mapstructure:"to"`
}

type PipelineConfig struct {
	StagingPath string `toml:"staging_path" mapstructure:"staging_path"`
	WorkingPath string `toml:"working_path" mapstructure:"working_path"`
}

type ServerConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// Load reads the TOML config at path, applies defaults and environment
// overrides for secrets, then validates it.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	fc.applyDefaults()
	fc.applyEnv()
	if err := fc.validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

func (fc *FileConfig) applyDefaults() {
	if fc.IMAP.Port == 0 {
		if fc.IMAP.SSL == nil || *fc.IMAP.SSL {
			fc.IMAP.Port = 993
		} else {
			fc.IMAP.Port = 143
		}
	}
	if fc.IMAP.Folder == "" {
		fc.IMAP.Folder = "INBOX"
	}
	if fc.IMAP.PollInterval < 0 {
		fc.IMAP.PollInterval = 0
	}
	if fc.Window.Timezone == "" {
		fc.Window.Timezone = "America/Santo_Domingo"
	}
	if fc.Window.EndHour == 0 {
		fc.Window.StartHour = 0
		fc.Window.EndHour = 24
	}
	if fc.Store.DedupPath == "" {
		fc.Store.DedupPath = "data/processed.db"
	}
	if fc.Store.SessionPath == "" {
		fc.Store.SessionPath = "data/sessions.db"
	}
	if fc.Store.StatsDir == "" {
		fc.Store.StatsDir = "data/stats"
	}
	if fc.Pipelines == nil {
		fc.Pipelines = map[string]PipelineConfig{}
	}
	for _, name := range []string{"viajeros", "si"} {
		if _, ok := fc.Pipelines[name]; !ok {
			fc.Pipelines[name] = PipelineConfig{
				StagingPath: filepath.Join("data", "pipelines", name, "staging"),
				WorkingPath: filepath.Join("data", "pipelines", name, "working"),
			}
		}
	}
	if fc.Goval.Timeout <= 0 {
		fc.Goval.Timeout = 30 * time.Second
	}
	if fc.Report.SMTPPort == 0 {
		fc.Report.SMTPPort = 587
	}
	if fc.Server.Listen == "" {
		fc.Server.Listen = ":8085"
	}
}

// applyEnv fills secrets from the environment when the file leaves them
// blank, so credentials can stay out of the config file.
func (fc *FileConfig) applyEnv() {
	set := func(dst *string, key string) {
		if *dst == "" {
			if v := os.Getenv(key); v != "" {
				*dst = v
			}
		}
	}
	set(&fc.IMAP.Password, "WATCHER_IMAP_PASSWORD")
	set(&fc.Goval.Password, "WATCHER_GOVAL_PASSWORD")
	set(&fc.Report.Password, "WATCHER_SMTP_PASSWORD")
	set(&fc.History.DSN, "WATCHER_HISTORY_DSN")
}

func (fc *FileConfig) validate() error {
	if fc.IMAP.Host == "" {
		return fmt.Errorf("imap.host is required")
	}
	if fc.IMAP.User == "" {
		return fmt.Errorf("imap.user is required")
	}
	if len(fc.Match.SubjectPatterns) == 0 {
		return fmt.Errorf("match.subject_patterns must list at least one pattern")
	}
	for _, p := range append(append([]string{}, fc.Match.SubjectPatterns...), fc.Match.SenderPatterns...) {
		if _, err := regexp.Compile("(?i)" + p); err != nil {
			return fmt.Errorf("match pattern %q: %w", p, err)
		}
	}
	if fc.Window.StartHour < 0 || fc.Window.StartHour > 23 {
		return fmt.Errorf("window.start_hour %d out of range", fc.Window.StartHour)
	}
	if fc.Window.EndHour < 1 || fc.Window.EndHour > 24 {
		return fmt.Errorf("window.end_hour %d out of range", fc.Window.EndHour)
	}
	if fc.Window.EndHour <= fc.Window.StartHour {
		return fmt.Errorf("window.end_hour must be after window.start_hour")
	}
	for _, d := range fc.Window.Days {
		if _, ok := weekdayNames[strings.ToLower(d)]; !ok {
			return fmt.Errorf("window.days: unknown day %q", d)
		}
	}
	for name, pc := range fc.Pipelines {
		if pc.StagingPath == "" || pc.WorkingPath == "" {
			return fmt.Errorf("pipelines.%s requires staging_path and working_path", name)
		}
	}
	if fc.Report.Enabled {
		if fc.Report.SMTPHost == "" || fc.Report.From == "" || len(fc.Report.To) == 0 {
			return fmt.Errorf("report requires smtp_host, from and to when enabled")
		}
	}
	return nil
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Weekdays resolves Window.Days into time.Weekday values. An empty list
// means every day is allowed.
func (w WindowConfig) Weekdays() map[time.Weekday]bool {
	out := make(map[time.Weekday]bool, len(w.Days))
	for _, d := range w.Days {
		if wd, ok := weekdayNames[strings.ToLower(d)]; ok {
			out[wd] = true
		}
	}
	return out
}
