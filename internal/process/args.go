package process

import "strconv"

// NodeOptions are the configurable extras appended to the fixed node
// invocation "node --full --log.stdout.format terminal".
type NodeOptions struct {
	Chain       string   `mapstructure:"chain"`
	DataDir     string   `mapstructure:"datadir"`
	MetricsAddr string   `mapstructure:"metrics_addr"`
	LogFile     LogFile  `mapstructure:"log_file"`
	ExtraArgs   []string `mapstructure:"extra_args"`
}

// LogFile configures the node's own file logging.
type LogFile struct {
	Dir      string `mapstructure:"dir"`
	Format   string `mapstructure:"format"`
	Filter   string `mapstructure:"filter"`
	MaxSize  int    `mapstructure:"max_size_mb"`
	MaxFiles int    `mapstructure:"max_files"`
}

// BaseArgs is the fixed prefix of every invocation.
func BaseArgs() []string {
	return []string{"node", "--full", "--log.stdout.format", "terminal"}
}

// Args returns the full argument vector.
func (o NodeOptions) Args() []string {
	args := BaseArgs()
	if o.Chain != "" {
		args = append(args, "--chain", o.Chain)
	}
	if o.DataDir != "" {
		args = append(args, "--datadir", o.DataDir)
	}
	if o.MetricsAddr != "" {
		args = append(args, "--metrics", o.MetricsAddr)
	}
	if lf := o.LogFile; lf.Dir != "" {
		args = append(args,
			"--log.file.directory", lf.Dir,
			"--log.file.format", orDefault(lf.Format, "terminal"),
			"--log.file.filter", orDefault(lf.Filter, "info"),
			"--log.file.max-size", strconv.Itoa(intOr(lf.MaxSize, 50)),
			"--log.file.max-files", strconv.Itoa(intOr(lf.MaxFiles, 3)),
		)
	}
	return append(args, o.ExtraArgs...)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
