package kv

import (
	"embed"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

//go:embed lua/*.lua
var luaFS embed.FS

// ScriptNames are the seven atomic lock scripts, in the order the spec
// introduces them.
var ScriptNames = []string{
	"readlock_acquire",
	"writelock_acquire",
	"writelock_retry",
	"readlock_release",
	"writelock_release",
	"readlock_heartbeat",
	"writelock_heartbeat",
}

func loadScripts() (map[string]*redis.Script, error) {
	scripts := make(map[string]*redis.Script, len(ScriptNames))
	for _, name := range ScriptNames {
		src, err := luaFS.ReadFile("lua/" + name + ".lua")
		if err != nil {
			return nil, fmt.Errorf("kv: reading embedded script %s: %w", name, err)
		}
		scripts[name] = redis.NewScript(string(src))
	}
	return scripts, nil
}

// decodeReply turns the raw EVAL reply (a []interface{} whose first element
// is the outcome code) into a ScriptReply. The second element, when
// present, is either a holder token (string) or a member list ([]string)
// depending on which script produced it.
func decodeReply(name string, raw any) (ScriptReply, error) {
	arr, ok := raw.([]interface{})
	if !ok || len(arr) == 0 {
		return ScriptReply{}, fmt.Errorf("kv: script %s returned malformed reply %#v", name, raw)
	}
	code, ok := toInt(arr[0])
	if !ok {
		return ScriptReply{}, fmt.Errorf("kv: script %s returned non-numeric code %#v", name, arr[0])
	}
	reply := ScriptReply{Code: code}
	if len(arr) < 2 {
		return reply, nil
	}
	switch v := arr[1].(type) {
	case string:
		reply.Holder = v
	case []interface{}:
		members := make([]string, 0, len(v))
		for _, m := range v {
			if s, ok := m.(string); ok {
				members = append(members, s)
			}
		}
		reply.Members = members
	}
	return reply, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
