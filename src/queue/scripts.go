package queue

import (
	"embed"
	"fmt"

	"github.com/redis/go-redis/v9"
)

//go:embed scripts/*.lua
var embeddedScripts embed.FS

type brokerScripts struct {
	Pop      *redis.Script
	Progress *redis.Script
	Ack      *redis.Script
}

// loadScripts reads the embedded Lua sources. redis.Script runs them with
// EVALSHA and falls back to EVAL on NOSCRIPT.
func loadScripts() (brokerScripts, error) {
	loadOne := func(name string) (*redis.Script, error) {
		src, err := embeddedScripts.ReadFile("scripts/" + name)
		if err != nil {
			return nil, fmt.Errorf("read script %s: %w", name, err)
		}
		return redis.NewScript(string(src)), nil
	}

	var err error
	s := brokerScripts{}
	if s.Pop, err = loadOne("pop.lua"); err != nil {
		return s, err
	}
	if s.Progress, err = loadOne("progress.lua"); err != nil {
		return s, err
	}
	if s.Ack, err = loadOne("ack.lua"); err != nil {
		return s, err
	}
	return s, nil
}
