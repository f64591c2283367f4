package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/boardwalk/boardwalk/pkg/runner"
)

type moduleFunc func(ctx context.Context, h *hostRun, args map[string]any) (map[string]any, error)

// modules is the task module table.
var modules = map[string]moduleFunc{
	"command":  shellModule,
	"copy":     copyModule,
	"debug":    debugModule,
	"fail":     failModule,
	"file":     fileModule,
	"ping":     pingModule,
	"set_fact": setFactModule,
	"setup":    setupModule,
	"shell":    shellModule,
	"slurp":    slurpModule,
	"stat":     statModule,
}

func failed(format string, a ...any) map[string]any {
	return map[string]any{"failed": true, "changed": false, "msg": fmt.Sprintf(format, a...)}
}

func strArg(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := args[k]; ok && v != nil {
			if s, ok := v.(string); ok {
				return s
			}
			return fmt.Sprint(v)
		}
	}
	return ""
}

// parseMode accepts "0644", "644" and integer modes.
func parseMode(v any) (os.FileMode, error) {
	switch m := v.(type) {
	case nil:
		return 0, nil
	case string:
		if m == "" {
			return 0, nil
		}
		n, err := strconv.ParseUint(m, 8, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid mode %q", m)
		}
		return os.FileMode(n), nil
	case int:
		return os.FileMode(m), nil
	case int64:
		return os.FileMode(m), nil
	case float64:
		return os.FileMode(int(m)), nil
	default:
		return 0, fmt.Errorf("invalid mode %v", v)
	}
}

func fileAttrs(args map[string]any) (FileAttrs, error) {
	mode, err := parseMode(args["mode"])
	if err != nil {
		return FileAttrs{}, err
	}
	return FileAttrs{Mode: mode, Owner: strArg(args, "owner"), Group: strArg(args, "group")}, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func statModule(ctx context.Context, h *hostRun, args map[string]any) (map[string]any, error) {
	p := strArg(args, "path")
	if p == "" {
		return failed("missing required argument: path"), nil
	}
	st, err := h.session.Stat(ctx, p, h.become)
	if err != nil {
		return nil, err
	}
	stat := map[string]any{"exists": st.Exists}
	if st.Exists {
		stat["path"] = p
		stat["isdir"] = st.IsDir
		stat["isreg"] = !st.IsDir
		stat["mode"] = fmt.Sprintf("%04o", uint32(st.Mode.Perm()))
		stat["size"] = st.Size
		stat["pw_name"] = st.Owner
		stat["gr_name"] = st.Group
	}
	return map[string]any{"stat": stat}, nil
}

func slurpModule(ctx context.Context, h *hostRun, args map[string]any) (map[string]any, error) {
	src := strArg(args, "src", "path")
	if src == "" {
		return failed("missing required argument: src"), nil
	}
	st, err := h.session.Stat(ctx, src, h.become)
	if err != nil {
		return nil, err
	}
	if !st.Exists {
		return failed("file not found: %s", src), nil
	}
	data, err := h.session.ReadFile(ctx, src, h.become)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"content":  base64.StdEncoding.EncodeToString(data),
		"encoding": "base64",
		"source":   src,
	}, nil
}

func copyModule(ctx context.Context, h *hostRun, args map[string]any) (map[string]any, error) {
	dest := strArg(args, "dest")
	if dest == "" {
		return failed("missing required argument: dest"), nil
	}
	var content []byte
	switch c := args["content"].(type) {
	case string:
		content = []byte(c)
	case nil:
		return failed("copy requires content"), nil
	default:
		b, err := json.Marshal(c)
		if err != nil {
			return failed("content is not serializable: %v", err), nil
		}
		content = b
	}
	attrs, err := fileAttrs(args)
	if err != nil {
		return failed("%v", err), nil
	}

	st, err := h.session.Stat(ctx, dest, h.become)
	if err != nil {
		return nil, err
	}
	if st.IsDir {
		return failed("destination %s is a directory", dest), nil
	}

	changed := !st.Exists || (attrs.Mode != 0 && st.Mode.Perm() != attrs.Mode.Perm())
	if st.Exists && !changed {
		current, err := h.session.ReadFile(ctx, dest, h.become)
		if err != nil {
			return nil, err
		}
		changed = !bytes.Equal(current, content)
	}

	res := map[string]any{"changed": changed, "dest": dest, "checksum": checksum(content)}
	if changed && !h.check {
		if err := h.session.WriteFile(ctx, dest, content, attrs, h.become); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func fileModule(ctx context.Context, h *hostRun, args map[string]any) (map[string]any, error) {
	p := strArg(args, "path", "dest", "name")
	if p == "" {
		return failed("missing required argument: path"), nil
	}
	state := strArg(args, "state")
	if state == "" {
		state = "file"
	}
	attrs, err := fileAttrs(args)
	if err != nil {
		return failed("%v", err), nil
	}

	st, err := h.session.Stat(ctx, p, h.become)
	if err != nil {
		return nil, err
	}
	res := map[string]any{"path": p, "state": state}

	switch state {
	case "absent":
		res["changed"] = st.Exists
		if st.Exists && !h.check {
			if err := h.session.Remove(ctx, p, h.become); err != nil {
				return nil, err
			}
		}
	case "directory":
		if st.Exists && !st.IsDir {
			return failed("%s exists and is not a directory", p), nil
		}
		res["changed"] = !st.Exists
		if !st.Exists && !h.check {
			if err := h.session.MkdirAll(ctx, p, attrs, h.become); err != nil {
				return nil, err
			}
		}
	case "touch":
		res["changed"] = true
		if !h.check {
			var data []byte
			if st.Exists {
				if data, err = h.session.ReadFile(ctx, p, h.become); err != nil {
					return nil, err
				}
			}
			if err := h.session.WriteFile(ctx, p, data, attrs, h.become); err != nil {
				return nil, err
			}
		}
	case "file":
		if !st.Exists {
			return failed("file (%s) is absent, cannot continue", p), nil
		}
		res["changed"] = false
	default:
		return failed("unsupported state %q", state), nil
	}
	return res, nil
}

func shellModule(ctx context.Context, h *hostRun, args map[string]any) (map[string]any, error) {
	cmd := strArg(args, "_raw_params", "cmd")
	if cmd == "" {
		return failed("no command given"), nil
	}
	if h.check {
		return map[string]any{"skipped": true, "changed": false, "msg": "Command would have run if not in check mode"}, nil
	}
	if dir := strArg(args, "chdir"); dir != "" {
		cmd = "cd " + shellQuote(dir) + " && " + cmd
	}
	res, err := h.session.Exec(ctx, cmd, h.become)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"changed": true,
		"cmd":     cmd,
		"rc":      res.ExitCode,
		"stdout":  res.Stdout,
		"stderr":  res.Stderr,
	}
	if res.ExitCode != 0 {
		out["failed"] = true
		out["msg"] = fmt.Sprintf("non-zero return code %d: %s", res.ExitCode, res.Stderr)
	}
	return out, nil
}

func setFactModule(_ context.Context, _ *hostRun, args map[string]any) (map[string]any, error) {
	facts := make(map[string]any, len(args))
	for k, v := range args {
		facts[k] = v
	}
	return map[string]any{"ansible_facts": facts}, nil
}

func pingModule(context.Context, *hostRun, map[string]any) (map[string]any, error) {
	return map[string]any{"ping": "pong"}, nil
}

func debugModule(_ context.Context, h *hostRun, args map[string]any) (map[string]any, error) {
	if v := strArg(args, "var"); v != "" {
		val, err := h.vars.Eval(v)
		if err != nil {
			return failed("%v", err), nil
		}
		plain, err := runner.FromStarlark(val)
		if err != nil {
			return failed("%v", err), nil
		}
		return map[string]any{v: plain}, nil
	}
	return map[string]any{"msg": strArg(args, "msg")}, nil
}

func failModule(_ context.Context, _ *hostRun, args map[string]any) (map[string]any, error) {
	msg := strArg(args, "msg")
	if msg == "" {
		msg = "Failed as requested from task"
	}
	return failed("%s", strings.TrimSpace(msg)), nil
}
