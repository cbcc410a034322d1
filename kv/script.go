package kv

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// Script is a named Lua program executed by Store.Eval. It is immutable and
// safe to share; SHA is the hex SHA1 of Source, as used by EVALSHA.
type Script struct {
	name string
	src  string
	sha  string
}

func NewScript(name, src string) *Script {
	sum := sha1.Sum([]byte(src))
	return &Script{name: name, src: src, sha: hex.EncodeToString(sum[:])}
}

func (s *Script) Name() string   { return s.name }
func (s *Script) Source() string { return s.src }
func (s *Script) SHA() string    { return s.sha }

// ScriptError reports a failure raised inside a script.
type ScriptError struct {
	Script string
	Err    error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("kv: script %q: %v", e.Script, e.Err)
}

func (e *ScriptError) Unwrap() []error { return []error{e.Err, ErrScriptFailed} }
