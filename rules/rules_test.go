// Copyright 2024-2026 The Strand Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rules_test

import (
	"net"
	"testing"

	"github.com/strandproxy/strand/config"
	"github.com/strandproxy/strand/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compile(t *testing.T, cfgRules ...config.Rule) []rules.Rule {
	t.Helper()
	compiled, err := rules.Compile(cfgRules)
	require.NoError(t, err)
	return compiled
}

func TestAcceptTerminatesEvaluation(t *testing.T) {
	t.Parallel()

	ruleList := compile(t,
		config.Rule{Action: config.RuleAccept, Match: "src", Arg: "10.0.0.0/8"},
		config.Rule{Action: config.RuleReject},
	)
	v := rules.Evaluate(ruleList, &rules.Sample{Src: net.ParseIP("10.1.2.3")})
	assert.Equal(t, rules.Accept, v)

	// outside the accepted range the unconditional reject fires
	v = rules.Evaluate(ruleList, &rules.Sample{Src: net.ParseIP("192.168.0.1")})
	assert.Equal(t, rules.Reject, v)
}

func TestNoMatchContinues(t *testing.T) {
	t.Parallel()

	ruleList := compile(t,
		config.Rule{Action: config.RuleReject, Match: "src", Arg: "10.0.0.0/8"},
	)
	v := rules.Evaluate(ruleList, &rules.Sample{Src: net.ParseIP("192.168.0.1")})
	assert.Equal(t, rules.Continue, v)
}

func TestNegate(t *testing.T) {
	t.Parallel()

	ruleList := compile(t,
		config.Rule{Action: config.RuleReject, Match: "src", Arg: "10.0.0.0/8", Negate: true},
	)
	assert.Equal(t, rules.Reject,
		rules.Evaluate(ruleList, &rules.Sample{Src: net.ParseIP("192.168.0.1")}))
	assert.Equal(t, rules.Continue,
		rules.Evaluate(ruleList, &rules.Sample{Src: net.ParseIP("10.0.0.1")}))
}

func TestPayloadMissThenConcludes(t *testing.T) {
	t.Parallel()

	ruleList := compile(t,
		config.Rule{Action: config.RuleAccept, Match: "payload", Arg: "PING"},
		config.Rule{Action: config.RuleReject},
	)

	// not enough data yet: the whole list suspends
	v := rules.Evaluate(ruleList, &rules.Sample{Data: []byte("PI")})
	assert.Equal(t, rules.Miss, v)

	// more data arrives and the first rule concludes
	v = rules.Evaluate(ruleList, &rules.Sample{Data: []byte("PING extra")})
	assert.Equal(t, rules.Accept, v)

	// mismatching prefix concludes false immediately, reject fires
	v = rules.Evaluate(ruleList, &rules.Sample{Data: []byte("GET")})
	assert.Equal(t, rules.Reject, v)
}

func TestFullSampleNeverMisses(t *testing.T) {
	t.Parallel()

	ruleList := compile(t,
		config.Rule{Action: config.RuleAccept, Match: "req_len", Arg: "100"},
	)
	v := rules.Evaluate(ruleList, &rules.Sample{Data: []byte("short")})
	assert.Equal(t, rules.Miss, v)

	// input shut: the condition concludes false and evaluation ends
	v = rules.Evaluate(ruleList, &rules.Sample{Data: []byte("short"), Full: true})
	assert.Equal(t, rules.Continue, v)
}

func TestTarpit(t *testing.T) {
	t.Parallel()

	ruleList := compile(t,
		config.Rule{Action: config.RuleTarpit, Match: "payload", Arg: "EVIL"},
	)
	v := rules.Evaluate(ruleList, &rules.Sample{Data: []byte("EVIL stuff"), Full: true})
	assert.Equal(t, rules.Tarpit, v)
}

func TestCompileErrors(t *testing.T) {
	t.Parallel()

	_, err := rules.Compile([]config.Rule{{Action: config.RuleAccept, Match: "bogus"}})
	require.Error(t, err)

	_, err = rules.Compile([]config.Rule{{Action: "explode"}})
	require.Error(t, err)

	_, err = rules.Compile([]config.Rule{{Action: config.RuleAccept, Match: "src", Arg: "not-an-ip"}})
	require.Error(t, err)

	_, err = rules.Compile([]config.Rule{{Action: config.RuleAccept, Match: "req_len", Arg: "-1"}})
	require.Error(t, err)
}

func TestSingleHostSrc(t *testing.T) {
	t.Parallel()

	ruleList := compile(t,
		config.Rule{Action: config.RuleReject, Match: "src", Arg: "10.1.2.3"},
	)
	assert.Equal(t, rules.Reject,
		rules.Evaluate(ruleList, &rules.Sample{Src: net.ParseIP("10.1.2.3")}))
	assert.Equal(t, rules.Continue,
		rules.Evaluate(ruleList, &rules.Sample{Src: net.ParseIP("10.1.2.4")}))
}
