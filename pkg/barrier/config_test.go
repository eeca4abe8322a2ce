/*
 * Copyright 2026 The RankLab Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package barrier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type ConfigTestSuite struct {
	suite.Suite
}

func (s *ConfigTestSuite) TestVerifyConfig() {
	s.Require().NotNil(VerifyConfig(nil))

	config := DefaultConfig(0, 4, 1)
	s.Require().Nil(VerifyConfig(config))

	config.NumRanks = 0
	s.Require().NotNil(VerifyConfig(config))
	config.NumRanks = 4

	config.Rank = -1
	s.Require().NotNil(VerifyConfig(config))
	config.Rank = 4
	s.Require().NotNil(VerifyConfig(config))
	config.Rank = 3
	s.Require().Nil(VerifyConfig(config))

	config.InvocationID = -2
	s.Require().NotNil(VerifyConfig(config))
	config.InvocationID = 0

	config.AttachTimeout = -time.Second
	s.Require().NotNil(VerifyConfig(config))
	config.AttachTimeout = 0
	s.Require().Nil(VerifyConfig(config))
}

func (s *ConfigTestSuite) TestResourceNames() {
	n := resourceNames(42)
	s.Require().Equal("mutex42", n.mutex)
	s.Require().Equal("turnstile142", n.turnstile1)
	s.Require().Equal("turnstile242", n.turnstile2)
	s.Require().Equal("counter42", n.counter)
	s.Require().Equal("ready42", n.ready)
	s.Require().Len(n.all(), 5)
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}
