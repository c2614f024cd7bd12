// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Vladyslav Kazantsev

package workflow

import "github.com/vk/burstci/internal/expr"

// Raw is an unvalidated workflow as produced by a loader. Slices keep the
// declaration order of the source document.
type Raw struct {
	// Source names the document the workflow came from, for error messages.
	Source      string
	Name        string
	On          []RawTrigger
	Inputs      []Input
	Env         Vars
	Concurrency *Concurrency
	Jobs        []RawJob
}

type RawTrigger struct {
	Event    string
	Branches []string
}

type RawJob struct {
	Name           string
	DisplayName    string
	Needs          []string
	If             string
	RunsOn         []string
	Concurrency    *Concurrency
	Env            Vars
	Outputs        Vars
	TimeoutMinutes float64
	Matrix         *RawMatrix
	Steps          []RawStep
}

type RawMatrix struct {
	Axes    []Axis
	Exclude []map[string]expr.Value
}

type RawStep struct {
	ID               string
	Name             string
	Run              string
	Shell            string
	Uses             string
	With             Vars
	Env              Vars
	If               string
	ContinueOnError  bool
	TimeoutMinutes   float64
	Retries          int
	WorkingDirectory string
}
