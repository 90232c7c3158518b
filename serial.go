// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pvring

import "code.hybscloud.com/atomix"

// Serial tags the log lines of one initiator or responder. Values are
// process-wide and never reused.
type Serial = uint32

var lastSerial atomix.Uint32

func nextSerial() Serial { return lastSerial.Add(1) }
