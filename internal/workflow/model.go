// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev
//
// This file defines the validated workflow model: the definition, its job
// and step templates, and the matrix specification of a job.

package workflow

import (
	"fmt"
	"time"

	"github.com/vk/burstci/internal/expr"
)

// Var is a single name/value pair of an ordered mapping.
type Var struct {
	Name  string
	Value string
}

// Vars is an ordered string mapping. Later entries override earlier ones
// with the same name.
type Vars []Var

// Get returns the last value bound to name.
func (vs Vars) Get(name string) (string, bool) {
	for i := len(vs) - 1; i >= 0; i-- {
		if vs[i].Name == name {
			return vs[i].Value, true
		}
	}
	return "", false
}

// Map flattens the pairs into a map.
func (vs Vars) Map() map[string]string {
	out := make(map[string]string, len(vs))
	for _, v := range vs {
		out[v.Name] = v.Value
	}
	return out
}

// Merge returns vs overlaid with other.
func (vs Vars) Merge(other Vars) Vars {
	out := make(Vars, 0, len(vs)+len(other))
	out = append(out, vs...)
	return append(out, other...)
}

// Definition is a parsed, validated workflow. It is immutable once
// returned by Parse.
type Definition struct {
	Name        string
	Source      string
	Triggers    []Trigger
	Inputs      []Input
	Env         Vars
	Concurrency *Concurrency
	Jobs        []*JobTemplate

	byName map[string]*JobTemplate
	order  []string
}

// Job looks up a job template by name.
func (d *Definition) Job(name string) (*JobTemplate, bool) {
	j, ok := d.byName[name]
	return j, ok
}

// Order returns job names in dependency order. Independent jobs keep
// their declaration order.
func (d *Definition) Order() []string {
	return append([]string(nil), d.order...)
}

// Concurrency is a concurrency group policy. Group may contain ${{ }}
// expressions resolved per job instance.
type Concurrency struct {
	Group            string
	CancelInProgress bool
}

// Input declares a manual-dispatch input.
type Input struct {
	Name     string
	Default  string
	Required bool
}

type JobTemplate struct {
	Name        string
	DisplayName string
	// Index is the declaration position of the job in the workflow.
	Index          int
	Needs          []string
	If             string
	RunsOn         []string
	Concurrency    *Concurrency
	Env            Vars
	Outputs        Vars
	TimeoutMinutes float64
	Matrix         *MatrixSpec
	Steps          []*StepTemplate
}

// Timeout converts TimeoutMinutes to a duration. Zero means no timeout.
func (j *JobTemplate) Timeout() time.Duration {
	return minutes(j.TimeoutMinutes)
}

// Axis is one matrix dimension.
type Axis struct {
	Name   string
	Values []expr.Value
}

type MatrixSpec struct {
	Axes []Axis
	// Exclude entries remove every point whose values match all of the
	// entry's axes. Axes not named in an entry are wildcards.
	Exclude []map[string]expr.Value
}

// StepKind tags the variant of a step.
type StepKind int

const (
	StepRun StepKind = iota + 1
	StepUses
)

func (k StepKind) String() string {
	switch k {
	case StepRun:
		return "run"
	case StepUses:
		return "uses"
	default:
		return fmt.Sprintf("StepKind(%d)", int(k))
	}
}

type StepTemplate struct {
	// ID is the user-declared id, or a generated one when omitted.
	ID    string
	Name  string
	Index int
	Kind  StepKind

	// Run and Shell are set for StepRun.
	Run   string
	Shell string
	// Uses and With are set for StepUses.
	Uses string
	With Vars

	Env              Vars
	If               string
	ContinueOnError  bool
	TimeoutMinutes   float64
	Retries          int
	WorkingDirectory string
}

func (s *StepTemplate) Timeout() time.Duration {
	return minutes(s.TimeoutMinutes)
}

func minutes(m float64) time.Duration {
	if m <= 0 {
		return 0
	}
	return time.Duration(m * float64(time.Minute))
}
