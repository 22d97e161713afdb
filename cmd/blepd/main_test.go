package main

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blepd/internal/bus"
	"github.com/srg/blepd/pkg/config"
)

// execute runs rootCmd with args and returns what it wrote to stdout and stderr.
// Flag state is reset afterwards since the commands are package globals.
func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	t.Cleanup(func() {
		resetFlags(rootCmd)
		rootCmd.SetArgs(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})

	err := rootCmd.Execute()
	return out.String(), errOut.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func TestFormatVersion(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"1.2.3", "v1.2.3"},
		{"v1.2.3", "v1.2.3"},
		{"dev", "dev"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatVersion(tt.in), "formatVersion(%q)", tt.in)
	}
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{
			name:     "bus unavailable",
			err:      fmt.Errorf("%w: %w", ErrBusUnavailable, errors.New("no socket")),
			contains: "is dbus running",
		},
		{
			name:     "command timeout",
			err:      fmt.Errorf("unregister: %w", bus.ErrCommandTimeout),
			contains: "did not answer in time",
		},
		{
			name:     "other",
			err:      errors.New("boom"),
			contains: "boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := formatUserError(tt.err)
			assert.Contains(t, msg, tt.contains)
			assert.True(t, strings.HasPrefix(msg, tt.err.Error()), "hint MUST follow the original message")
		})
	}
}

func TestConfigureLogger(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    logrus.Level
		wantErr bool
	}{
		{name: "config level", want: logrus.InfoLevel},
		{name: "verbose", args: []string{"--verbose"}, want: logrus.DebugLevel},
		{name: "explicit level wins", args: []string{"--verbose", "--log-level", "warn"}, want: logrus.WarnLevel},
		{name: "invalid level", args: []string{"--log-level", "loud"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{}
			cmd.Flags().String("log-level", "", "")
			cmd.Flags().Bool("verbose", false, "")
			require.NoError(t, cmd.Flags().Parse(tt.args))
			var stderr bytes.Buffer
			cmd.SetErr(&stderr)

			logger, err := configureLogger(cmd, config.DefaultConfig())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, logger.GetLevel())

			logger.Warn("probe")
			assert.Contains(t, stderr.String(), "probe", "logs MUST go to the command's stderr")
		})
	}
}
