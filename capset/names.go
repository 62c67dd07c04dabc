//
// Copyright 2024 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package capset

import (
	"fmt"
	"strings"

	"github.com/syndtr/gocapability/capability"
)

// nameTable maps canonical CAP_* names onto capability bits so that
// --capability flags can be validated and converted.
type nameTable struct {
	byName map[string]capability.Cap
}

var capNameTable = newNameTable()

func newNameTable() *nameTable {
	t := &nameTable{byName: make(map[string]capability.Cap, capability.CAP_LAST_CAP+1)}
	for cp := capability.Cap(0); cp <= capability.CAP_LAST_CAP; cp++ {
		name := "CAP_" + strings.ToUpper(cp.String())
		t.byName[name] = cp
	}
	return t
}

func (t *nameTable) ToCap(name string) (capability.Cap, error) {
	cp, ok := t.byName[strings.ToUpper(name)]
	if !ok {
		return 0, fmt.Errorf("unknown capability %q", name)
	}
	return cp, nil
}
