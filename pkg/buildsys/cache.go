package buildsys

import (
	"context"
	"encoding/gob"
	"os"

	"github.com/rotisserie/eris"
)

func init() {
	gob.Register(TaskList{})
	gob.Register(Task{})
	gob.Register(TaskCmdScript{})
	gob.Register(TaskCmdTaskRef{})
}

// WriteCache stores the tasks declared by a script together with the option values used to evaluate
// it. Go actions aren't part of the cache.
func WriteCache(file string, options map[string]string, list TaskList) error {
	handle, err := os.Create(file)
	if err != nil {
		return err
	}
	defer handle.Close()

	encoder := gob.NewEncoder(handle)
	if err = encoder.Encode(options); err != nil {
		return err
	}

	return encoder.Encode(list)
}

func ReadCache(file string) (map[string]string, TaskList, error) {
	handle, err := os.Open(file)
	if err != nil {
		return nil, nil, err
	}
	defer handle.Close()

	decoder := gob.NewDecoder(handle)

	var options map[string]string
	if err = decoder.Decode(&options); err != nil {
		return nil, nil, err
	}

	var result TaskList
	if err = decoder.Decode(&result); err != nil {
		return options, nil, err
	}

	return options, result, nil
}

// LoadScript returns the tasks declared in filename. The result of a previous evaluation is reused if
// cacheFile is newer than the script and was written for the same options.
func LoadScript(ctx context.Context, filename, projectRoot, cacheFile string, options map[string]string) (TaskList, error) {
	if options == nil {
		options = map[string]string{}
	}

	if cacheFile != "" && cacheFresh(filename, cacheFile) {
		cachedOptions, tasks, err := ReadCache(cacheFile)
		if err == nil && sameOptions(cachedOptions, options) {
			log(ctx).Debug().Str("path", cacheFile).Msg("using cached tasks")
			return tasks, nil
		}

		if err != nil {
			log(ctx).Warn().Err(err).Msg("ignoring broken task cache")
		}
	}

	tasks, _, err := RunScript(ctx, filename, projectRoot, options, true)
	if err != nil {
		return nil, err
	}

	if cacheFile != "" {
		if err = WriteCache(cacheFile, options, tasks); err != nil {
			return nil, eris.Wrapf(err, "failed to write %s", cacheFile)
		}
	}

	return tasks, nil
}

func cacheFresh(script, cacheFile string) bool {
	scriptInfo, err := os.Stat(script)
	if err != nil {
		return false
	}

	cacheInfo, err := os.Stat(cacheFile)
	if err != nil {
		return false
	}

	return cacheInfo.ModTime().After(scriptInfo.ModTime())
}

func sameOptions(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}

	for key, value := range a {
		if other, ok := b[key]; !ok || other != value {
			return false
		}
	}
	return true
}
