// Copyright 2023 The topicbus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package transport accepts clients on the two transports the broker speaks.
// The TCP server runs one supervised session per connection; the UDP server
// runs a single supervised receive loop that dispatches each datagram as it
// arrives.
package transport

import "errors"

// ErrSetup is returned when a socket cannot be bound, listened on or dialed.
var ErrSetup = errors.New("transport: setup failed")
