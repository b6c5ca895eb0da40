package ops

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lobreplay/internal/pipeline"
	"lobreplay/internal/source"
	"lobreplay/pkg/conn"
	"lobreplay/pkg/exception"
)

// SymbolPlaceholder is replaced by the symbol in input paths, topics and group ids.
const SymbolPlaceholder = "{symbol}"

// FileConfig mirrors the config file layout. JSON and YAML share the same keys.
type FileConfig struct {
	Symbols    []string         `json:"symbols" yaml:"symbols"`
	DataDir    string           `json:"dataDir" yaml:"dataDir"`
	Input      InputConfig      `json:"input" yaml:"input"`
	Book       BookConfig       `json:"book" yaml:"book"`
	Sequence   SequenceConfig   `json:"sequence" yaml:"sequence"`
	Drift      DriftConfig      `json:"drift" yaml:"drift"`
	WAL        WALConfig        `json:"wal" yaml:"wal"`
	Checkpoint CheckpointConfig `json:"checkpoint" yaml:"checkpoint"`
	Output     OutputConfig     `json:"output" yaml:"output"`
	Pipeline   PipelineConfig   `json:"pipeline" yaml:"pipeline"`
	Catalog    *conn.Option     `json:"catalog" yaml:"catalog"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Profile    ProfileConfig    `json:"profile" yaml:"profile"`
}

// InputConfig selects where raw rows come from. Exactly one of Path and Kafka is set.
type InputConfig struct {
	// Path is a glob, for example data/{symbol}/*.jsonl.
	Path  string              `json:"path" yaml:"path"`
	Kafka *source.KafkaConfig `json:"kafka" yaml:"kafka"`
}

type BookConfig struct {
	MaxLevels   int `json:"maxLevels" yaml:"maxLevels"`
	OutputDepth int `json:"outputDepth" yaml:"outputDepth"`
}

type SequenceConfig struct {
	GapThreshold int64 `json:"gapThreshold" yaml:"gapThreshold"`
}

// DriftConfig leaves ResyncOnDrift nil to keep the default of true.
type DriftConfig struct {
	Threshold     float64 `json:"threshold" yaml:"threshold"`
	ResyncOnDrift *bool   `json:"resyncOnDrift" yaml:"resyncOnDrift"`
	HistoryLimit  int     `json:"historyLimit" yaml:"historyLimit"`
}

// WALConfig places one directory per symbol under Dir.
type WALConfig struct {
	Dir           string   `json:"dir" yaml:"dir"`
	SegmentSize   int      `json:"segmentSize" yaml:"segmentSize"`
	MaxSegments   int      `json:"maxSegments" yaml:"maxSegments"`
	FlushInterval Duration `json:"flushInterval" yaml:"flushInterval"`
}

// CheckpointConfig places one directory per symbol under Dir.
type CheckpointConfig struct {
	Dir            string   `json:"dir" yaml:"dir"`
	Interval       Duration `json:"interval" yaml:"interval"`
	EventInterval  int64    `json:"eventInterval" yaml:"eventInterval"`
	GracePeriod    Duration `json:"gracePeriod" yaml:"gracePeriod"`
	MaxCheckpoints int      `json:"maxCheckpoints" yaml:"maxCheckpoints"`
}

// OutputConfig is shared by every symbol. Partitions carry the symbol in their path.
type OutputConfig struct {
	Dir          string   `json:"dir" yaml:"dir"`
	ManifestPath string   `json:"manifestPath" yaml:"manifestPath"`
	Partition    Duration `json:"partition" yaml:"partition"`
	MaxRows      int      `json:"maxRows" yaml:"maxRows"`
}

type PipelineConfig struct {
	BatchSize   int      `json:"batchSize" yaml:"batchSize"`
	IdleTimeout Duration `json:"idleTimeout" yaml:"idleTimeout"`
	StopTimeout Duration `json:"stopTimeout" yaml:"stopTimeout"`
}

// MetricsConfig enables the prometheus endpoint when Addr is set and the memory
// reporter when MemoryInterval is positive.
type MetricsConfig struct {
	Addr           string   `json:"addr" yaml:"addr"`
	MemoryInterval Duration `json:"memoryInterval" yaml:"memoryInterval"`
}

// ProfileConfig enables continuous profiling when ServerAddress is set.
type ProfileConfig struct {
	Pyroscope PyroscopeConfig `json:"pyroscope" yaml:"pyroscope"`
}

type PyroscopeConfig struct {
	ServerAddress   string            `json:"serverAddress" yaml:"serverAddress"`
	ApplicationName string            `json:"applicationName" yaml:"applicationName"`
	Tags            map[string]string `json:"tags" yaml:"tags"`
}

// SymbolConfig is everything needed to start one pipeline.
type SymbolConfig struct {
	Pipeline  pipeline.Config
	InputPath string
	Kafka     *source.KafkaConfig
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Symbols []SymbolConfig
	Catalog *conn.Option
	Metrics MetricsConfig
	Profile ProfileConfig
}

// Load reads a JSON or YAML config file, chosen by extension, and resolves it.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return Loaded{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return Resolve(cfg)
}

// Parse decodes data. ext is ".yaml" or ".yml" for YAML, anything else is JSON.
func Parse(data []byte, ext string) (FileConfig, error) {
	var cfg FileConfig
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return FileConfig{}, err
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return FileConfig{}, err
		}
	}
	return cfg, nil
}

// Resolve applies defaults and builds one pipeline config per symbol.
func Resolve(cfg FileConfig) (Loaded, error) {
	if len(cfg.Symbols) == 0 {
		return Loaded{}, fmt.Errorf("%w: symbols is empty", exception.ErrInvalidArgument)
	}
	if cfg.Input.Path == "" && cfg.Input.Kafka == nil {
		return Loaded{}, fmt.Errorf("%w: input needs a path or a kafka section", exception.ErrInvalidArgument)
	}
	if cfg.Input.Path != "" && cfg.Input.Kafka != nil {
		return Loaded{}, fmt.Errorf("%w: input path and kafka are mutually exclusive", exception.ErrInvalidArgument)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}

	seen := make([]string, 0, len(cfg.Symbols))
	loaded := Loaded{
		Symbols: make([]SymbolConfig, 0, len(cfg.Symbols)),
		Catalog: cfg.Catalog,
		Metrics: cfg.Metrics,
		Profile: cfg.Profile,
	}
	for _, raw := range cfg.Symbols {
		symbol := strings.ToUpper(strings.TrimSpace(raw))
		if symbol == "" {
			return Loaded{}, fmt.Errorf("%w: symbols holds an empty entry", exception.ErrInvalidArgument)
		}
		if slices.Contains(seen, symbol) {
			return Loaded{}, fmt.Errorf("%w: symbol listed twice: %s", exception.ErrInvalidArgument, symbol)
		}
		seen = append(seen, symbol)

		pc := resolvePipeline(cfg, symbol)
		if err := pc.Validate(); err != nil {
			return Loaded{}, fmt.Errorf("symbol %s: %w", symbol, err)
		}
		sc := SymbolConfig{Pipeline: pc}
		if cfg.Input.Path != "" {
			sc.InputPath = expand(cfg.Input.Path, symbol)
		}
		if cfg.Input.Kafka != nil {
			kc := *cfg.Input.Kafka
			kc.Brokers = slices.Clone(kc.Brokers)
			kc.Topic = expand(kc.Topic, symbol)
			kc.GroupID = expand(kc.GroupID, symbol)
			sc.Kafka = &kc
		}
		loaded.Symbols = append(loaded.Symbols, sc)
	}
	return loaded, nil
}

func resolvePipeline(cfg FileConfig, symbol string) pipeline.Config {
	pc := pipeline.DefaultConfig(cfg.DataDir, symbol)

	if cfg.Book.MaxLevels != 0 {
		pc.Replay.MaxLevels = cfg.Book.MaxLevels
	}
	if cfg.Book.OutputDepth != 0 {
		pc.Replay.OutputDepth = cfg.Book.OutputDepth
	}
	if cfg.Sequence.GapThreshold != 0 {
		pc.Replay.GapThreshold = cfg.Sequence.GapThreshold
	}
	if cfg.Drift.Threshold != 0 {
		pc.Replay.Drift.Threshold = cfg.Drift.Threshold
	}
	if cfg.Drift.ResyncOnDrift != nil {
		pc.Replay.Drift.ResyncOnDrift = *cfg.Drift.ResyncOnDrift
	}
	if cfg.Drift.HistoryLimit != 0 {
		pc.Replay.Drift.HistoryLimit = cfg.Drift.HistoryLimit
	}

	if cfg.WAL.Dir != "" {
		pc.WAL.Dir = filepath.Join(cfg.WAL.Dir, symbol)
	}
	if cfg.WAL.SegmentSize != 0 {
		pc.WAL.SegmentSize = cfg.WAL.SegmentSize
	}
	if cfg.WAL.MaxSegments != 0 {
		pc.WAL.MaxSegments = cfg.WAL.MaxSegments
	}
	pc.WAL.FlushInterval = cfg.WAL.FlushInterval.Std()

	if cfg.Checkpoint.Dir != "" {
		pc.Checkpoint.Dir = filepath.Join(cfg.Checkpoint.Dir, symbol)
	}
	if cfg.Checkpoint.Interval != 0 {
		pc.Checkpoint.Interval = cfg.Checkpoint.Interval.Std()
	}
	if cfg.Checkpoint.EventInterval != 0 {
		pc.Checkpoint.EventInterval = cfg.Checkpoint.EventInterval
	}
	if cfg.Checkpoint.GracePeriod != 0 {
		pc.Checkpoint.GracePeriod = cfg.Checkpoint.GracePeriod.Std()
	}
	if cfg.Checkpoint.MaxCheckpoints != 0 {
		pc.Checkpoint.MaxCheckpoints = cfg.Checkpoint.MaxCheckpoints
	}

	if cfg.Output.Dir != "" {
		pc.Output.Dir = cfg.Output.Dir
		pc.Manifest.Path = filepath.Join(cfg.Output.Dir, "_manifest.jsonl")
		pc.DriftLog = pipeline.DriftLogPath(cfg.Output.Dir, symbol)
	}
	if cfg.Output.ManifestPath != "" {
		pc.Manifest.Path = cfg.Output.ManifestPath
	}
	pc.Output.Partition = cfg.Output.Partition.Std()
	pc.Output.MaxRows = cfg.Output.MaxRows

	pc.BatchSize = cfg.Pipeline.BatchSize
	pc.IdleTimeout = cfg.Pipeline.IdleTimeout.Std()
	pc.StopTimeout = cfg.Pipeline.StopTimeout.Std()
	return pc
}

func expand(s, symbol string) string {
	return strings.ReplaceAll(s, SymbolPlaceholder, symbol)
}

// Duration reads "1m30s" style strings, or a bare number of nanoseconds.
type Duration time.Duration

// Std converts to time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return d.parse(s)
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if value.Tag == "!!int" {
		if err := value.Decode(&n); err != nil {
			return err
		}
		*d = Duration(n)
		return nil
	}
	return d.parse(value.Value)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	*d = Duration(parsed)
	return nil
}
