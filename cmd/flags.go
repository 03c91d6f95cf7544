package cmd

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// choice is a string flag restricted to a fixed set of values.
type choice struct {
	value   string
	allowed []string
}

var _ pflag.Value = (*choice)(nil)

func newChoice(def string, allowed ...string) *choice {
	return &choice{value: def, allowed: allowed}
}

func (c *choice) String() string { return c.value }
func (c *choice) Type() string   { return "string" }

func (c *choice) Set(v string) error {
	v = strings.ToLower(strings.TrimSpace(v))
	if !slices.Contains(c.allowed, v) {
		return fmt.Errorf("must be one of %s", c.Allowed())
	}
	c.value = v
	return nil
}

// Allowed lists the accepted values for help text.
func (c *choice) Allowed() string { return strings.Join(c.allowed, ", ") }

// addFlagValidation wraps the named flag so that every value passes
// validator before it is stored.
func addFlagValidation(cmd *cobra.Command, flagName string, validator func(string) error) {
	flag := cmd.Flags().Lookup(flagName)
	if flag == nil {
		return
	}
	flag.Value = &validatingValue{Value: flag.Value, validator: validator}
}

type validatingValue struct {
	pflag.Value
	validator func(string) error
}

func (v *validatingValue) Set(val string) error {
	if err := v.validator(val); err != nil {
		return err
	}
	return v.Value.Set(val)
}

func validatePort(s string) error {
	port, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid port number: %s", s)
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", port)
	}
	return nil
}

// bindFlag copies a flag to a viper key when the user set it, so that flags
// take precedence over the environment and the file.
func bindFlag(cmd *cobra.Command, v *viper.Viper, name, key string, value interface{}) {
	if cmd.Flags().Changed(name) {
		v.Set(key, value)
	}
}
