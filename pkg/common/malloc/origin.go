// Copyright 2024 Matrix Origin
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

package malloc

import (
	"fmt"
	"runtime"
)

// Origin is the call site a block was allocated or freed from.
type Origin struct {
	File     string
	Function string
	Line     int
}

func (o Origin) String() string {
	return fmt.Sprintf("%s:%s():%d", o.File, o.Function, o.Line)
}

// Here returns the Origin of its caller, skip frames further up.
func Here(skip int) Origin {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return Origin{File: unknownSymbol, Function: unknownSymbol}
	}
	fn := unknownSymbol
	if f := runtime.FuncForPC(pc); f != nil {
		fn = f.Name()
	}
	return Origin{
		File:     file,
		Function: fn,
		Line:     line,
	}
}
