// Package health reports whether the stores a worker depends on are reachable.
package health

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

type Checker interface {
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker. The name prefixes any error it returns.
func CheckerFunc(name string, check func(ctx context.Context) error) Checker {
	return namedChecker{name: name, check: check}
}

type namedChecker struct {
	name  string
	check func(ctx context.Context) error
}

func (c namedChecker) Check(ctx context.Context) error {
	return errors.WithMessage(c.check(ctx), c.name)
}

type MultiChecker struct {
	checkers []Checker
}

func NewMultiChecker(checkers ...Checker) *MultiChecker {
	return &MultiChecker{
		checkers: checkers,
	}
}

// Check runs every checker and returns all of their failures.
func (mc *MultiChecker) Check(ctx context.Context) error {
	var result *multierror.Error
	for _, checker := range mc.checkers {
		if err := checker.Check(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (mc *MultiChecker) Add(checker Checker) {
	mc.checkers = append(mc.checkers, checker)
}
