package utils

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// KeyValParser reads lines in "key=value" form, collecting repeated keys
// into a list of values. Used to parse the kernel command line once it has
// been split into one token per line.
type KeyValParser struct {
	data map[string][]string
}

func (k *KeyValParser) Parse(raw io.Reader) error {
	if k.data == nil {
		k.data = map[string][]string{}
	}

	in := bufio.NewScanner(raw)
	for in.Scan() {
		if err := in.Err(); err != nil {
			return errors.Wrap(err, "failed to read input line")
		}
		line := in.Text()
		if len(line) == 0 {
			continue
		}

		val := strings.SplitN(line, "=", 2)
		if len(val) < 2 {
			// Bare flags with no '=' are tolerated by callers that
			// inspect the raw tokens themselves; skip here rather
			// than aborting the whole parse.
			continue
		}

		k.data[val[0]] = append(k.data[val[0]], val[1])
	}
	return nil
}

func (k *KeyValParser) Collect() map[string][]string {
	return k.data
}
