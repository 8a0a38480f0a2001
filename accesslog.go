package serve

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/One-com/gone/log"

	"github.com/One-com/gone/http/handlers/accesslog"
)

// representing an active accesslog file and the handler logging to it.
type activeAccesslog struct {
	filename string
	handler  accesslog.DynamicLogHandler
	writer   io.WriteCloser
}

// a global registry of all active accesslogs
var registryLock sync.Mutex
var registry = make(map[string]*activeAccesslog)

// ReopenAccessLogFiles opens the configured accesslog files and atomically replaces
// the old filehandles with the new ones - and closes the old file handles.
func ReopenAccessLogFiles() {
	registryLock.Lock()
	defer registryLock.Unlock()

	log.NOTICE("Reopening access log files")
	for _, spec := range registry {
		// Open the file again
		file, err := accessLogFile(spec.filename)
		if err != nil {
			log.ERROR("Could not reopen accesslog", "err", err, "file", spec.filename)
			continue
		}
		spec.handler.ToggleAccessLog(spec.writer, file) // swap the writer this handler is writing to
		spec.writer.Close()
		spec.writer = file
	}
}

func registerAccessLogFile(filename string, handler accesslog.DynamicLogHandler, w io.WriteCloser) {
	registryLock.Lock()
	defer registryLock.Unlock()
	registry[filename] = &activeAccesslog{filename: filename, writer: w, handler: handler}
}

// unregisterAccessLogFile returns the writer currently in use for filename.
func unregisterAccessLogFile(filename string) io.WriteCloser {
	registryLock.Lock()
	defer registryLock.Unlock()
	spec, ok := registry[filename]
	if !ok {
		return nil
	}
	delete(registry, filename)
	return spec.writer
}

// wrapAuditHandler takes an http.Handler and wraps it in a accesslog capable handler which also does a callback to the provided audit function.
// it returns the resulting handler and a function to be called to cleanup when the handler is no longer in use.
// Access logging is only turned on if accessLogDest is given. "-" logs to stdout.
func wrapAuditHandler(h http.Handler, accessLogDest string, mfunc accesslog.AuditFunction) (oh accesslog.DynamicLogHandler, cleanup func() error, err error) {

	oh = accesslog.NewDynamicLogHandler(h, mfunc)

	switch accessLogDest {
	case "":
		return
	case "-":
		oh.ToggleAccessLog(nil, os.Stdout)
		return
	}

	log.INFO("Opening logfile", "file", accessLogDest)
	out, err := accessLogFile(accessLogDest)
	if err != nil {
		return nil, nil, err
	}
	if f, ok := log.DEBUGok(); ok {
		f(fmt.Sprintf("Setting up access log: %s", accessLogDest))
	}
	registerAccessLogFile(accessLogDest, oh, out)
	oh.ToggleAccessLog(nil, out)
	cleanup = func() error {
		// The file may have been reopened since.
		current := unregisterAccessLogFile(accessLogDest)
		if current == nil {
			return nil
		}
		oh.ToggleAccessLog(current, nil)
		log.INFO("Closing logfile", "file", accessLogDest)
		return current.Close()
	}
	return
}

func accessLogFile(dest string) (file io.WriteCloser, err error) {

	if dest == "" {
		// None - should not happen
		err = fmt.Errorf("Invalid access log specification: \"\"")
		return
	}

	switch dest[0] {
	case '|':
		err = fmt.Errorf("Unimplemented access log spec: |")
		return
	case '/': // file
		fallthrough
	default:
		file, err = os.OpenFile(dest, os.O_APPEND|os.O_CREATE|os.O_WRONLY, os.ModeAppend|0640)
	}
	return
}
