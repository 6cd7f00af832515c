package imapserver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"erooster.dev/internal/imap/imapparser"
	"erooster.dev/internal/maildirstore"
)

// handleList implements LIST/LSUB.
func (c *Conn) handleList(cmd *imapparser.Command) error {
	if !c.requireAuthenticated(cmd.Tag) {
		return nil
	}

	pattern := cmd.List.Pattern
	if pattern == "" {
		c.fr.WriteLine(`* LIST (\Noselect) "/" ""`)
		return c.ok(cmd.Tag, "done")
	}

	refPath := c.folderPath(cmd.List.Reference)

	switch {
	case strings.HasSuffix(pattern, "*"):
		if pattern == "*" {
			c.fr.WriteLine(`* LIST (\NoInferiors) "/" "INBOX"`)
		}
		subdirs, _ := c.server.Store.ListSubdirs(refPath)
		for _, d := range subdirs {
			c.emitListRow(d)
		}
	case strings.HasSuffix(pattern, "%"):
		subdirs, _ := c.server.Store.ListSubdirs(refPath)
		for _, d := range subdirs {
			c.emitListRow(d)
		}
	default:
		path := c.folderPath(pattern)
		flags, _ := c.server.Store.GetFlags(path)
		if _, err := os.Stat(filepath.Join(path, "cur")); os.IsNotExist(err) {
			flags = append(flags, `\NonExistent`)
		}
		c.fr.WriteLine(fmt.Sprintf(`* %s (%s) "/" %q`, cmd.Name, strings.Join(flags, " "), pattern))
	}

	return c.ok(cmd.Tag, "done")
}

func (c *Conn) emitListRow(dirPath string) {
	flags, _ := c.server.Store.GetFlags(dirPath)
	wirePath := maildirstore.ToWirePath(filepath.Base(dirPath))
	c.fr.WriteLine(fmt.Sprintf(`* LIST (%s) "/" %q`, strings.Join(flags, " "), wirePath))
}
