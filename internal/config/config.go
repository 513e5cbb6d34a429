package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/forPelevin/clipreel/internal/logging"
	"github.com/forPelevin/clipreel/internal/types"
)

const EnvPrefix = "CLIPREEL_"

type Config struct {
	OutDir   string `yaml:"out_dir" env:"OUT_DIR"`
	CacheDir string `yaml:"cache_dir" env:"CACHE_DIR"`
	Title    string `yaml:"title" env:"TITLE"`

	MaxVideos          int           `yaml:"max_videos_per_compilation" env:"MAX_VIDEOS_PER_COMPILATION"`
	MinVideos          int           `yaml:"min_videos_per_compilation" env:"MIN_VIDEOS_PER_COMPILATION"`
	Width              int           `yaml:"video_width" env:"VIDEO_WIDTH"`
	Height             int           `yaml:"video_height" env:"VIDEO_HEIGHT"`
	FPS                int           `yaml:"fps" env:"FPS"`
	TransitionType     string        `yaml:"transition_type" env:"TRANSITION_TYPE"`
	TransitionDuration time.Duration `yaml:"transition_duration" env:"TRANSITION_DURATION"`
	BumperTransition   string        `yaml:"bumper_transition" env:"BUMPER_TRANSITION"`
	Order              string        `yaml:"order" env:"ORDER"`
	// Seed fixes order and transition selection. Nil means a fresh seed per run.
	Seed               *int64        `yaml:"seed" env:"SEED"`
	MaxDurationPerClip time.Duration `yaml:"max_duration_per_clip" env:"MAX_DURATION_PER_CLIP"`

	UseIntro  bool   `yaml:"use_intro" env:"USE_INTRO"`
	IntroPath string `yaml:"intro_path" env:"INTRO_PATH"`
	UseOutro  bool   `yaml:"use_outro" env:"USE_OUTRO"`
	OutroPath string `yaml:"outro_path" env:"OUTRO_PATH"`

	Concurrency  int           `yaml:"concurrency" env:"CONCURRENCY"`
	ItemTimeout  time.Duration `yaml:"item_timeout" env:"ITEM_TIMEOUT"`
	MaxRetries   int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryBackoff time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
	MaxBackoff   time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	Proxy        string        `yaml:"proxy" env:"PROXY"`
	UserAgent    string        `yaml:"user_agent" env:"USER_AGENT"`

	MinDuration   time.Duration `yaml:"min_duration" env:"MIN_DURATION"`
	MinWidth      int           `yaml:"min_width" env:"MIN_WIDTH"`
	MinHeight     int           `yaml:"min_height" env:"MIN_HEIGHT"`
	AllowedCodecs []string      `yaml:"allowed_codecs" env:"ALLOWED_CODECS"`

	RenderTimeout    time.Duration `yaml:"render_timeout" env:"RENDER_TIMEOUT"`
	Shorts           string        `yaml:"shorts" env:"SHORTS"`
	ShortWidth       int           `yaml:"short_width" env:"SHORT_WIDTH"`
	ShortHeight      int           `yaml:"short_height" env:"SHORT_HEIGHT"`
	ShortMaxDuration time.Duration `yaml:"short_max_duration" env:"SHORT_MAX_DURATION"`
	Thumbnail        bool          `yaml:"thumbnail" env:"THUMBNAIL"`

	FFmpegPath    string   `yaml:"ffmpeg_path" env:"FFMPEG_PATH"`
	FFprobePath   string   `yaml:"ffprobe_path" env:"FFPROBE_PATH"`
	YtDlpPath     string   `yaml:"ytdlp_path" env:"YTDLP_PATH"`
	PlatformHosts []string `yaml:"platform_hosts" env:"PLATFORM_HOSTS"`

	LedgerPath     string `yaml:"ledger_path" env:"LEDGER_PATH"`
	SkipProcessed  bool   `yaml:"skip_processed" env:"SKIP_PROCESSED"`
	MaxFileAgeDays int    `yaml:"max_file_age_days" env:"MAX_FILE_AGE_DAYS"`
	MinFreeSpaceMB int    `yaml:"min_free_space_mb" env:"MIN_FREE_SPACE_MB"`

	// PrivacyStatus is passed through to the upload collaborator via the report.
	PrivacyStatus string `yaml:"privacy_status" env:"PRIVACY_STATUS"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
	LogFile   string `yaml:"log_file" env:"LOG_FILE"`
}

const (
	ShortsNone        = "none"
	ShortsPerClip     = "per_clip"
	ShortsCompilation = "compilation"
)

func Default() Config {
	return Config{
		OutDir:             "out",
		CacheDir:           ".cache",
		Title:              "compilation",
		MaxVideos:          200,
		MinVideos:          1,
		Width:              1080,
		Height:             1920,
		FPS:                30,
		TransitionType:     string(types.TransitionRandom),
		TransitionDuration: time.Second,
		BumperTransition:   string(types.TransitionCut),
		Order:              string(types.OrderAsGiven),
		Concurrency:        4,
		ItemTimeout:        2 * time.Minute,
		MaxRetries:         3,
		RetryBackoff:       500 * time.Millisecond,
		MaxBackoff:         30 * time.Second,
		UserAgent:          "clipreel/1.0",
		MinDuration:        time.Second,
		MinWidth:           240,
		MinHeight:          240,
		AllowedCodecs:      []string{"h264", "hevc", "vp8", "vp9", "av1", "mpeg4"},
		RenderTimeout:      30 * time.Minute,
		Shorts:             ShortsNone,
		ShortWidth:         1080,
		ShortHeight:        1920,
		ShortMaxDuration:   59 * time.Second,
		Thumbnail:          true,
		FFmpegPath:         "ffmpeg",
		FFprobePath:        "ffprobe",
		YtDlpPath:          "yt-dlp",
		PlatformHosts:      []string{"tiktok.com", "youtube.com", "youtu.be", "instagram.com", "vimeo.com"},
		MaxFileAgeDays:     7,
		MinFreeSpaceMB:     500,
		PrivacyStatus:      "private",
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Load resolves defaults < YAML file < .env < environment. path may be empty.
func Load(path string) (Config, error) {
	_ = godotenv.Load() // best-effort: load .env if present

	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.mergeEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv(lookup func(string) (string, bool)) error {
	v := reflect.ValueOf(c).Elem()
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		tag := t.Field(i).Tag.Get("env")
		if tag == "" {
			continue
		}
		raw, ok := lookup(EnvPrefix + tag)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if err := setField(v.Field(i), strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("env %s%s: %w", EnvPrefix, tag, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setField(f reflect.Value, raw string) error {
	if f.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		f.SetInt(int64(d))
		return nil
	}
	switch f.Kind() {
	case reflect.String:
		f.SetString(raw)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		f.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		f.SetBool(b)
	case reflect.Slice:
		var items []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				items = append(items, p)
			}
		}
		f.Set(reflect.ValueOf(items))
	case reflect.Pointer:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		f.Set(reflect.ValueOf(&n))
	default:
		return fmt.Errorf("unsupported field kind %s", f.Kind())
	}
	return nil
}

// Validate rejects unknown or out-of-range values. Nothing is clamped here.
func (c Config) Validate() error {
	if c.OutDir == "" {
		return errors.New("out_dir is empty")
	}
	if c.CacheDir == "" {
		return errors.New("cache_dir is empty")
	}
	if c.MaxVideos <= 0 {
		return fmt.Errorf("max_videos_per_compilation must be > 0, got %d", c.MaxVideos)
	}
	if c.MinVideos < 1 || c.MinVideos > c.MaxVideos {
		return fmt.Errorf("min_videos_per_compilation must be in 1..%d, got %d", c.MaxVideos, c.MinVideos)
	}
	if err := evenPositive("video", c.Width, c.Height); err != nil {
		return err
	}
	if c.FPS <= 0 || c.FPS > 120 {
		return fmt.Errorf("fps must be in 1..120, got %d", c.FPS)
	}
	if _, ok := types.ParseTransitionKind(c.TransitionType); !ok {
		return fmt.Errorf("unknown transition_type %q", c.TransitionType)
	}
	if c.TransitionDuration < 0 {
		return fmt.Errorf("transition_duration must be >= 0")
	}
	if k, ok := types.ParseTransitionKind(c.BumperTransition); !ok || k == types.TransitionRandom {
		return fmt.Errorf("bumper_transition must be cut or a concrete kind, got %q", c.BumperTransition)
	}
	switch types.OrderMode(c.Order) {
	case types.OrderAsGiven, types.OrderShuffled:
	default:
		return fmt.Errorf("unknown order %q", c.Order)
	}
	if c.MaxDurationPerClip < 0 {
		return fmt.Errorf("max_duration_per_clip must be >= 0")
	}
	if c.UseIntro {
		if err := fileExists("intro_path", c.IntroPath); err != nil {
			return err
		}
	}
	if c.UseOutro {
		if err := fileExists("outro_path", c.OutroPath); err != nil {
			return err
		}
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be > 0, got %d", c.Concurrency)
	}
	if c.ItemTimeout <= 0 {
		return fmt.Errorf("item_timeout must be > 0")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if c.RetryBackoff < 0 || c.MaxBackoff < 0 {
		return fmt.Errorf("retry backoff must be >= 0")
	}
	if c.MinDuration < 0 {
		return fmt.Errorf("min_duration must be >= 0")
	}
	if c.MinWidth < 0 || c.MinHeight < 0 {
		return fmt.Errorf("min resolution must be >= 0")
	}
	if len(c.AllowedCodecs) == 0 {
		return errors.New("allowed_codecs is empty")
	}
	if c.RenderTimeout <= 0 {
		return fmt.Errorf("render_timeout must be > 0")
	}
	switch c.Shorts {
	case ShortsNone:
	case ShortsPerClip, ShortsCompilation:
		if err := evenPositive("short", c.ShortWidth, c.ShortHeight); err != nil {
			return err
		}
		if c.ShortMaxDuration <= 0 {
			return fmt.Errorf("short_max_duration must be > 0")
		}
	default:
		return fmt.Errorf("unknown shorts mode %q", c.Shorts)
	}
	if c.MaxFileAgeDays < 0 {
		return fmt.Errorf("max_file_age_days must be >= 0")
	}
	if c.MinFreeSpaceMB < 0 {
		return fmt.Errorf("min_free_space_mb must be >= 0")
	}
	switch c.PrivacyStatus {
	case "private", "unlisted", "public":
	default:
		return fmt.Errorf("unknown privacy_status %q", c.PrivacyStatus)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	return nil
}

func (c Config) OrderPolicy() types.OrderPolicy {
	return types.OrderPolicy{Mode: types.OrderMode(c.Order)}
}

func (c Config) TransitionPolicy() types.TransitionPolicy {
	k, _ := types.ParseTransitionKind(c.TransitionType)
	return types.TransitionPolicy{Kind: k, Duration: c.TransitionDuration}
}

func evenPositive(what string, w, h int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("%s size must be > 0, got %dx%d", what, w, h)
	}
	if w%2 != 0 || h%2 != 0 {
		return fmt.Errorf("%s size must be even, got %dx%d", what, w, h)
	}
	return nil
}

func fileExists(name, path string) error {
	if path == "" {
		return fmt.Errorf("%s is required", name)
	}
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}
	if st.IsDir() {
		return fmt.Errorf("%s is a directory: %s", name, path)
	}
	return nil
}
