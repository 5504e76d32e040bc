package internal

import (
	"github.com/skycoin/skycoin/src/util/logging"
)

var log = logging.MustGetLogger("dgxfer-cli")

// Catch handles errors for dgxfer-cli commands.
func Catch(err error, msgs ...string) {
	if err != nil {
		if len(msgs) > 0 {
			log.Fatalln(append(msgs, err.Error()))
		} else {
			log.Fatalln(err)
		}
	}
}
