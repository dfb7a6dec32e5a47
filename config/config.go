// Package config loads soundscan settings from a YAML file, SOUNDSCAN_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/maastricht-university/soundscan/audio"
	"github.com/maastricht-university/soundscan/identification"
	"github.com/maastricht-university/soundscan/worker"
)

type Model struct {
	URL     string        `yaml:"url" mapstructure:"url" validate:"required,url"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gte=0"`
}

type Scan struct {
	Paths      []string `yaml:"paths" mapstructure:"paths" validate:"required,min=1,dive,required"`
	Recursive  bool     `yaml:"recursive" mapstructure:"recursive"`
	Extensions []string `yaml:"extensions" mapstructure:"extensions" validate:"dive,startswith=."`
	MaxWorkers int      `yaml:"max_workers" mapstructure:"max_workers" validate:"gte=1,lte=256"`
	// BatchSize must be a power of two.
	BatchSize int  `yaml:"batch_size" mapstructure:"batch_size" validate:"gte=1"`
	InProcess bool `yaml:"in_process" mapstructure:"in_process"`
	Nice      int  `yaml:"nice" mapstructure:"nice" validate:"gte=-20,lte=19"`
}

type Calibration struct {
	Class  int     `yaml:"class" mapstructure:"class" validate:"gte=0"`
	Factor float64 `yaml:"factor" mapstructure:"factor" validate:"gt=0"`
}

type Identification struct {
	Mode          string        `yaml:"mode" mapstructure:"mode" validate:"oneof=confidence ranked"`
	Classes       []int         `yaml:"classes" mapstructure:"classes" validate:"required,min=1,dive,gte=0"`
	Calibration   []Calibration `yaml:"calibration" mapstructure:"calibration" validate:"dive"`
	Threshold     float64       `yaml:"threshold" mapstructure:"threshold" validate:"gte=0,lte=1"`
	ThresholdMode string        `yaml:"threshold_mode" mapstructure:"threshold_mode" validate:"oneof=min max"`
	TopK          int           `yaml:"top_k" mapstructure:"top_k" validate:"gte=1"`
	Timespan      int           `yaml:"timespan" mapstructure:"timespan" validate:"gte=0"`
	SpanAll       bool          `yaml:"span_all" mapstructure:"span_all"`
	NoiseFloor    float64       `yaml:"noise_floor" mapstructure:"noise_floor" validate:"gte=0,lt=1"`
}

type Output struct {
	Dir    string `yaml:"dir" mapstructure:"dir" validate:"required"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json yaml"`
}

type Cache struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

type Metrics struct {
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
}

type Log struct {
	Level  string `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn warning error"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=text json"`
}

type Root struct {
	Model          Model          `yaml:"model" mapstructure:"model"`
	Scan           Scan           `yaml:"scan" mapstructure:"scan"`
	Identification Identification `yaml:"identification" mapstructure:"identification"`
	Output         Output         `yaml:"output" mapstructure:"output"`
	Cache          Cache          `yaml:"cache" mapstructure:"cache"`
	Metrics        Metrics        `yaml:"metrics" mapstructure:"metrics"`
	Log            Log            `yaml:"log" mapstructure:"log"`
}

const EnvPrefix = "SOUNDSCAN"

var validate = validator.New()

// SetDefaults registers every key, which also makes each one overridable
// from the environment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("model.url", "http://localhost:8000")
	v.SetDefault("model.timeout", time.Minute)
	v.SetDefault("scan.paths", []string{})
	v.SetDefault("scan.recursive", true)
	v.SetDefault("scan.extensions", audio.Extensions)
	v.SetDefault("scan.max_workers", runtime.NumCPU())
	v.SetDefault("scan.batch_size", 1024)
	v.SetDefault("scan.in_process", false)
	v.SetDefault("scan.nice", 10)
	v.SetDefault("identification.mode", "confidence")
	v.SetDefault("identification.classes", []int{})
	v.SetDefault("identification.calibration", []Calibration{})
	v.SetDefault("identification.threshold", 0.5)
	v.SetDefault("identification.threshold_mode", "min")
	v.SetDefault("identification.top_k", 5)
	v.SetDefault("identification.timespan", 0)
	v.SetDefault("identification.span_all", false)
	v.SetDefault("identification.noise_floor", 0.0)
	v.SetDefault("output.dir", "outputs")
	v.SetDefault("output.format", "json")
	v.SetDefault("cache.dir", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// guessPaths lists the config files tried when none is given.
func guessPaths() []string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return []string{
		filepath.Join("config", env, "soundscan.yaml"),
		"soundscan.yaml",
	}
}

// Load reads path, or the first guessed config file that exists, into v and
// returns the validated result. A missing guessed file is not an error.
func Load(v *viper.Viper, path string) (*Root, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		for _, p := range guessPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Root
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field ranges and the rules that span fields.
func (r *Root) Validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (%v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if bits.OnesCount(uint(r.Scan.BatchSize)) != 1 {
		return fmt.Errorf("invalid config: scan.batch_size %d is not a power of two", r.Scan.BatchSize)
	}
	if r.Identification.SpanAll && r.Identification.Timespan != 0 {
		return errors.New("invalid config: identification.span_all needs timespan 0")
	}
	return nil
}

// IdentificationOptions converts the identification section.
func (r *Root) IdentificationOptions() (identification.Mode, identification.Options, error) {
	id := r.Identification
	mode, err := identification.ParseMode(id.Mode)
	if err != nil {
		return 0, identification.Options{}, err
	}
	tm, err := identification.ParseThresholdMode(id.ThresholdMode)
	if err != nil {
		return 0, identification.Options{}, err
	}

	opts := identification.Options{
		Classes:       append([]int(nil), id.Classes...),
		Threshold:     id.Threshold,
		ThresholdMode: tm,
		TopK:          id.TopK,
		Timespan:      id.Timespan,
		SpanAll:       id.SpanAll,
	}
	if len(id.Calibration) > 0 {
		top := 0
		for _, c := range id.Calibration {
			top = max(top, c.Class)
		}
		opts.Calibration = make([]float64, top+1)
		for i := range opts.Calibration {
			opts.Calibration[i] = 1
		}
		for _, c := range id.Calibration {
			opts.Calibration[c.Class] = c.Factor
		}
	}
	return mode, opts, nil
}

// WorkerOptions is the part of the configuration copied into every worker.
func (r *Root) WorkerOptions() (worker.Options, error) {
	mode, opts, err := r.IdentificationOptions()
	if err != nil {
		return worker.Options{}, err
	}
	return worker.Options{
		ModelURL:       r.Model.URL,
		ModelTimeout:   r.Model.Timeout,
		Mode:           mode,
		Identification: opts,
		NoiseFloor:     r.Identification.NoiseFloor,
		Nice:           r.Scan.Nice,
	}, nil
}
