// Extensions to the go-check unittest framework.
package gocheck2

import (
	"fmt"
	"time"

	. "gopkg.in/check.v1"
)

type isBoolValueChecker struct {
	*CheckerInfo
	expected bool
}

func (checker *isBoolValueChecker) Check(
	params []interface{},
	names []string) (
	result bool,
	error string) {

	obtained, ok := params[0].(bool)
	if !ok {
		return false, "Argument to " + checker.Name + " must be bool"
	}

	return obtained == checker.expected, ""
}

// The IsTrue checker verifies that the obtained value is true.
//
//	c.Assert(value, IsTrue)
var IsTrue Checker = &isBoolValueChecker{
	&CheckerInfo{Name: "IsTrue", Params: []string{"obtained"}},
	true,
}

// The IsFalse checker verifies that the obtained value is false.
//
//	c.Assert(value, IsFalse)
var IsFalse Checker = &isBoolValueChecker{
	&CheckerInfo{Name: "IsFalse", Params: []string{"obtained"}},
	false,
}

type durationWithinChecker struct {
	*CheckerInfo
}

func (checker *durationWithinChecker) Check(
	params []interface{},
	names []string) (
	result bool,
	error string) {

	obtained, ok := params[0].(time.Duration)
	if !ok {
		return false, "obtained must be a time.Duration"
	}
	low, ok := params[1].(time.Duration)
	if !ok {
		return false, "low must be a time.Duration"
	}
	high, ok := params[2].(time.Duration)
	if !ok {
		return false, "high must be a time.Duration"
	}
	if obtained < low || obtained > high {
		return false, fmt.Sprintf("%v not in [%v, %v]", obtained, low, high)
	}
	return true, ""
}

// The DurationWithin checker verifies that a duration lies in [low, high].
// Useful for timing assertions which need scheduler slack.
//
//	c.Assert(elapsed, DurationWithin, 90*time.Millisecond, time.Second)
var DurationWithin Checker = &durationWithinChecker{
	&CheckerInfo{
		Name:   "DurationWithin",
		Params: []string{"obtained", "low", "high"},
	},
}
