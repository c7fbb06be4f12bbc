// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/thoas/go-funk"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/svc-forwarder/pkg/sfu/rtcpfeedback"
	"github.com/livekit/svc-forwarder/pkg/sfu/utils"
)

const (
	generatedCLIFlagUsage = "generated"
	envVarPrefix          = "SVC_FORWARDER_"
)

var (
	ErrNoInputs           = errors.New("no replay inputs configured")
	ErrNoOutputs          = errors.New("no replay outputs configured")
	ErrUnsupportedCodec   = errors.New("unsupported codec")
	ErrDuplicateOutput    = errors.New("duplicate output name")
	ErrDuplicateInput     = errors.New("inputs share an ssrc")
	ErrInvalidExtensionID = errors.New("header extension id must be between 1 and 255")
)

var supportedCodecs = []string{
	utils.MimeTypeStringVP8,
	utils.MimeTypeStringVP9,
	utils.MimeTypeStringH264,
	utils.MimeTypeStringAV1,
}

type Config struct {
	Development    bool           `yaml:"development,omitempty"`
	PrometheusPort uint32         `yaml:"prometheus_port,omitempty"`
	Logging        LoggingConfig  `yaml:"logging,omitempty"`
	Selector       SelectorConfig `yaml:"selector,omitempty"`
	RTCP           RTCPConfig     `yaml:"rtcp,omitempty"`
	Replay         ReplayConfig   `yaml:"replay,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
}

type SelectorConfig struct {
	SpatialLayer  uint8 `yaml:"spatial_layer,omitempty"`
	TemporalLayer uint8 `yaml:"temporal_layer,omitempty"`
	// select on the dependency descriptor whatever the codec
	UseDependencyDescriptor bool `yaml:"use_dependency_descriptor,omitempty"`
	// forwarded packets remembered for NACK translation
	HistorySize int `yaml:"history_size,omitempty"`
}

type RTCPConfig struct {
	PLIThrottle time.Duration `yaml:"pli_throttle,omitempty"`
	UseFIR      bool          `yaml:"use_fir,omitempty"`
	Nack        NackConfig    `yaml:"nack,omitempty"`
	REMB        REMBConfig    `yaml:"remb,omitempty"`
	TWCC        TWCCConfig    `yaml:"twcc,omitempty"`
}

type NackConfig struct {
	MaxNackTimes int           `yaml:"max_nack_times,omitempty"`
	Capacity     int           `yaml:"capacity,omitempty"`
	Interval     time.Duration `yaml:"interval,omitempty"`
}

type REMBConfig struct {
	Thresholds []rtcpfeedback.LayerThreshold `yaml:"thresholds,omitempty"`
	Debounce   time.Duration                 `yaml:"debounce,omitempty"`
}

type TWCCConfig struct {
	// transport wide sequence number extension, 0 disables feedback
	ExtensionID uint8 `yaml:"extension_id,omitempty"`
}

type ReplayConfig struct {
	Inputs       []ReplayInputConfig  `yaml:"inputs,omitempty"`
	Outputs      []ReplayOutputConfig `yaml:"outputs,omitempty"`
	MaxStreams   int                  `yaml:"max_streams,omitempty"`
	SenderSSRC   uint32               `yaml:"sender_ssrc,omitempty"`
	ReportFormat string               `yaml:"report_format,omitempty"`
}

// ReplayInputConfig is a capture of RTP over UDP. Every SSRC in it becomes
// a stream of MimeType, unless SSRCs restricts them.
type ReplayInputConfig struct {
	Path                      string   `yaml:"path,omitempty"`
	MimeType                  string   `yaml:"mime_type,omitempty"`
	ClockRate                 uint32   `yaml:"clock_rate,omitempty"`
	SSRCs                     []uint32 `yaml:"ssrcs,omitempty"`
	DependencyDescriptorExtID uint8    `yaml:"dependency_descriptor_ext_id,omitempty"`
}

// ReplayOutputConfig is one receiver. Every stream is forwarded to every
// output at the output's layers, or at the REMB advised ones when
// EstimatedBitrate is set. Forwarded packets are written to Path if set.
type ReplayOutputConfig struct {
	Name             string `yaml:"name,omitempty"`
	Path             string `yaml:"path,omitempty"`
	SpatialLayer     uint8  `yaml:"spatial_layer,omitempty"`
	TemporalLayer    uint8  `yaml:"temporal_layer,omitempty"`
	EstimatedBitrate uint64 `yaml:"estimated_bitrate,omitempty"`
}

var DefaultConfig = Config{
	Selector: SelectorConfig{
		SpatialLayer:  2,
		TemporalLayer: 2,
		HistorySize:   500,
	},
	RTCP: RTCPConfig{
		PLIThrottle: time.Second,
		Nack: NackConfig{
			MaxNackTimes: rtcpfeedback.DefaultMaxNackTimes,
			Capacity:     rtcpfeedback.DefaultNackCapacity,
			Interval:     20 * time.Millisecond,
		},
		REMB: REMBConfig{
			Thresholds: []rtcpfeedback.LayerThreshold{
				{Bitrate: 0, Spatial: 0, Temporal: 0},
				{Bitrate: 150_000, Spatial: 0, Temporal: 2},
				{Bitrate: 500_000, Spatial: 1, Temporal: 2},
				{Bitrate: 1_700_000, Spatial: 2, Temporal: 2},
			},
			Debounce: 500 * time.Millisecond,
		},
	},
	Replay: ReplayConfig{
		MaxStreams:   64,
		SenderSSRC:   1,
		ReportFormat: "yaml",
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	err = yaml.Unmarshal(marshalled, &conf)
	if err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	// expand env vars and ~ in capture paths
	for i := range conf.Replay.Inputs {
		path, err := homedir.Expand(os.ExpandEnv(conf.Replay.Inputs[i].Path))
		if err != nil {
			return nil, errors.Wrapf(err, "could not expand input path %s", conf.Replay.Inputs[i].Path)
		}
		conf.Replay.Inputs[i].Path = path

		if conf.Replay.Inputs[i].ClockRate == 0 {
			conf.Replay.Inputs[i].ClockRate = 90000
		}
	}
	for i := range conf.Replay.Outputs {
		if conf.Replay.Outputs[i].Path == "" {
			continue
		}
		path, err := homedir.Expand(os.ExpandEnv(conf.Replay.Outputs[i].Path))
		if err != nil {
			return nil, errors.Wrapf(err, "could not expand output path %s", conf.Replay.Outputs[i].Path)
		}
		conf.Replay.Outputs[i].Path = path
	}

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}

	return &conf, nil
}

// ValidateReplay checks what the replay command needs on top of a parsed
// config.
func (conf *Config) ValidateReplay() error {
	if len(conf.Replay.Inputs) == 0 {
		return ErrNoInputs
	}
	if len(conf.Replay.Outputs) == 0 {
		return ErrNoOutputs
	}

	for _, input := range conf.Replay.Inputs {
		mime := utils.MatchMimeType(input.MimeType)
		if !funk.ContainsString(supportedCodecs, mime.String()) {
			return errors.Wrapf(ErrUnsupportedCodec, "input %s: %q", input.Path, input.MimeType)
		}
		if _, err := os.Stat(input.Path); err != nil {
			return errors.Wrapf(err, "input %s", input.Path)
		}
	}
	for i, input := range conf.Replay.Inputs {
		for _, other := range conf.Replay.Inputs[i+1:] {
			if inputsOverlap(input, other) {
				return errors.Wrapf(ErrDuplicateInput, "inputs %s and %s", input.Path, other.Path)
			}
		}
	}
	if conf.RTCP.TWCC.ExtensionID != 0 && funk.Contains(conf.ddExtensionIDs(), conf.RTCP.TWCC.ExtensionID) {
		return errors.Wrap(ErrInvalidExtensionID, "twcc extension id is used by the dependency descriptor")
	}

	names := funk.Map(conf.Replay.Outputs, func(o ReplayOutputConfig) string { return o.Name }).([]string)
	if len(funk.UniqString(names)) != len(names) {
		return ErrDuplicateOutput
	}
	if funk.ContainsString(names, "") {
		return errors.Wrap(ErrDuplicateOutput, "outputs need a name")
	}
	return nil
}

// inputsOverlap reports whether two inputs can deliver the same SSRC. An
// input without an SSRC filter takes every SSRC of its capture.
func inputsOverlap(a ReplayInputConfig, b ReplayInputConfig) bool {
	if len(a.SSRCs) == 0 || len(b.SSRCs) == 0 {
		return a.Path == b.Path
	}
	for _, ssrc := range a.SSRCs {
		if funk.ContainsUInt32(b.SSRCs, ssrc) {
			return true
		}
	}
	return false
}

func (conf *Config) ddExtensionIDs() []uint8 {
	var ids []uint8
	for _, input := range conf.Replay.Inputs {
		if input.DependencyDescriptorExtID != 0 {
			ids = append(ids, input.DependencyDescriptorExtID)
		}
	}
	return ids
}

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	existingFlagNames := map[string]bool{}
	for _, flag := range existingFlags {
		for _, flagName := range flag.Names() {
			existingFlagNames[flagName] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	var currNode configNode
	nodes := []configNode{{reflect.ValueOf(conf).Elem(), ""}}
	for len(nodes) > 0 {
		currNode, nodes = nodes[0], nodes[1:]
		for i := 0; i < currNode.TypeNode.NumField(); i++ {
			// inspect yaml tag from struct field to get path
			field := currNode.TypeNode.Type().Field(i)
			yamlTagArray := strings.SplitN(field.Tag.Get("yaml"), ",", 2)
			yamlTag := yamlTagArray[0]
			isInline := false
			if len(yamlTagArray) > 1 && yamlTagArray[1] == "inline" {
				isInline = true
			}
			if (yamlTag == "" && (!isInline || currNode.TagPrefix == "")) || yamlTag == "-" {
				continue
			}
			yamlPath := yamlTag
			if currNode.TagPrefix != "" {
				if isInline {
					yamlPath = currNode.TagPrefix
				} else {
					yamlPath = fmt.Sprintf("%s.%s", currNode.TagPrefix, yamlTag)
				}
			}
			if existingFlagNames[yamlPath] {
				continue
			}

			// map flag name to value
			value := currNode.TypeNode.Field(i)
			if value.Kind() == reflect.Struct {
				nodes = append(nodes, configNode{value, yamlPath})
			} else {
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		kind := value.Kind()
		if kind == reflect.Ptr {
			kind = value.Type().Elem().Kind()
		}

		var flag cli.Flag
		envVar := envVarPrefix + strings.ToUpper(strings.Replace(name, ".", "_", -1))

		switch kind {
		case reflect.Bool:
			flag = &cli.BoolFlag{
				Name:   name,
				Usage:  generatedCLIFlagUsage,
				Hidden: hidden,
			}
		case reflect.String:
			flag = &cli.StringFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int, reflect.Int32:
			flag = &cli.IntFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int64:
			if value.Type() == reflect.TypeOf(time.Duration(0)) {
				flag = &cli.DurationFlag{
					Name:    name,
					EnvVars: []string{envVar},
					Usage:   generatedCLIFlagUsage,
					Hidden:  hidden,
				}
				break
			}
			flag = &cli.Int64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32:
			flag = &cli.UintFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint64:
			flag = &cli.Uint64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Float32, reflect.Float64:
			flag = &cli.Float64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Slice, reflect.Map, reflect.Struct:
			// only settable from the config file
			continue
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind.String())
		}

		flags = append(flags, flag)
	}

	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]

		// the `c.App.Name != "test"` check is needed because `c.IsSet(...)` is always false in unit tests
		if !c.IsSet(flagName) && c.App.Name != "test" {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		kind := configValue.Kind()
		if kind == reflect.Ptr {
			// instantiate value to be set
			configValue.Set(reflect.New(configValue.Type().Elem()))

			kind = configValue.Type().Elem().Kind()
			configValue = configValue.Elem()
		}

		switch kind {
		case reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case reflect.String:
			configValue.SetString(c.String(flagName))
		case reflect.Int, reflect.Int32:
			configValue.SetInt(int64(c.Int(flagName)))
		case reflect.Int64:
			if configValue.Type() == reflect.TypeOf(time.Duration(0)) {
				configValue.SetInt(int64(c.Duration(flagName)))
			} else {
				configValue.SetInt(c.Int64(flagName))
			}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32:
			configValue.SetUint(uint64(c.Uint(flagName)))
		case reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		case reflect.Float32, reflect.Float64:
			configValue.SetFloat(c.Float64(flagName))
		default:
			return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, kind.String())
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("log-level") {
		conf.Logging.Level = c.String("log-level")
	}
	return nil
}

// Note: only pass in logr.Logger with default depth
func SetLogger(l logger.Logger) {
	logger.SetLogger(l, "svc-forwarder")
}

func InitLoggerFromConfig(config *LoggingConfig) {
	logger.InitFromConfig(config.Config, "svc-forwarder")
}
