package imapserver

import (
	"context"
	"fmt"
	"strings"

	"erooster.dev/internal/imap/imapparser"
)

func (c *Conn) handleStore(ctx context.Context, cmd *imapparser.Command) error {
	if !c.requireSelected(cmd.Tag) {
		return nil
	}
	if c.readOnly {
		return c.no(cmd.Tag, "in read-only mode")
	}

	entries, err := c.selectedEntries(ctx)
	if err != nil {
		return c.no(cmd.Tag, "store failed")
	}
	targets := c.resolveSequences(entries, cmd.Sequences, cmd.UID)

	for i, e := range entries {
		isTarget := false
		for _, t := range targets {
			if t.Key == e.Key {
				isTarget = true
				break
			}
		}
		if !isTarget {
			continue
		}

		var applyErr error
		switch cmd.Store.Mode {
		case imapparser.StoreReplace:
			applyErr = c.server.Store.SetFlags(c.selectedPath, e.Key, cmd.Store.Flags)
		case imapparser.StoreAdd:
			applyErr = c.server.Store.AddFlags(c.selectedPath, e.Key, cmd.Store.Flags)
		case imapparser.StoreRemove:
			applyErr = c.server.Store.RemoveFlags(c.selectedPath, e.Key, cmd.Store.Flags)
		}
		if applyErr != nil {
			continue
		}

		if cmd.Store.Silent {
			continue
		}
		flags, _ := c.server.Store.Flags(c.selectedPath, e.Key)
		c.fr.WriteLine(fmt.Sprintf("* %d FETCH (FLAGS (%s))", i+1, strings.Join(flags, " ")))
	}

	verb := "STORE"
	if cmd.UID {
		verb = "UID STORE"
	}
	return c.ok(cmd.Tag, verb+" completed")
}
