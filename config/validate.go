package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/getpup/stagecoord"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("product", func(fl validator.FieldLevel) bool {
			_, err := stagecoord.ParseProducts([]string{fl.Field().String()})
			return err == nil
		})
	})
	return validate
}

// Validate checks a coordinator configuration. Every violation wraps
// stagecoord.ErrInvalidConfig.
func (c *Config) Validate() error {
	if err := validatorInstance().Struct(c); err != nil {
		return fmt.Errorf("%w: %s", stagecoord.ErrInvalidConfig, describe(err))
	}

	products, err := c.ProductSet()
	if err != nil {
		return err
	}

	if products.NeedsTmpPath(c.SimpleDOS) && c.TmpPath == "" {
		return fmt.Errorf("%w: a temporary path is required for the requested products", stagecoord.ErrInvalidConfig)
	}
	if products.NeedsAODMinMax() {
		if c.AOT.Min == nil || c.AOT.Max == nil {
			return fmt.Errorf("%w: minimum and maximum AOT are required to estimate the AOT", stagecoord.ErrInvalidConfig)
		}
		if *c.AOT.Min >= *c.AOT.Max {
			return fmt.Errorf("%w: minimum AOT %g must be below maximum AOT %g", stagecoord.ErrInvalidConfig, *c.AOT.Min, *c.AOT.Max)
		}
	}
	if products.NeedsAOD() {
		hasInput := c.AOT.Value != nil || c.AOT.Visibility != nil || c.AOT.File != ""
		if !hasInput && !products.NeedsAOTAggregation() {
			return fmt.Errorf("%w: SREF needs an AOT value, a visibility, an AOT file or an AOT estimating product", stagecoord.ErrInvalidConfig)
		}
	}
	if c.Coordinator.Transport == "local" && len(c.Commands.ByStage()) == 0 {
		return fmt.Errorf("%w: the local transport needs at least one stage command", stagecoord.ErrInvalidConfig)
	}
	return nil
}

// ValidateWorker checks the subset of the configuration a remote worker uses.
func (c *Config) ValidateWorker() error {
	if c.Worker.Rank < 1 {
		return fmt.Errorf("%w: worker rank must be >= 1, got %d", stagecoord.ErrInvalidConfig, c.Worker.Rank)
	}
	if len(c.Commands.ByStage()) == 0 {
		return fmt.Errorf("%w: at least one stage command is required", stagecoord.ErrInvalidConfig)
	}
	for _, s := range []any{c.Redis, c.Log} {
		if err := validatorInstance().Struct(s); err != nil {
			return fmt.Errorf("%w: %s", stagecoord.ErrInvalidConfig, describe(err))
		}
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
