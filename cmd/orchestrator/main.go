// Copyright 2025 Opula
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

// Command orchestrator runs the Opula agent orchestrator service.
package main

import (
	"log"

	"github.com/pc099/opula-sub000/orchestrator"
)

func main() {
	if err := orchestrator.Run(); err != nil {
		log.Fatalf("orchestrator exited: %v", err)
	}
}
