package imapserver

import (
	"context"

	"erooster.dev/internal/imap/imapparser"
)

// handleAppend implements APPEND. cmd.Append already carries the parsed
// flags/date/literal-length; the literal bytes
// themselves are read here, after the continuation prompt if the client
// used a synchronous literal.
func (c *Conn) handleAppend(ctx context.Context, cmd *imapparser.Command) error {
	if !c.requireAuthenticated(cmd.Tag) {
		return nil
	}

	if !cmd.Append.NonSync {
		if err := c.fr.WriteLine("+ Ready for literal data"); err != nil {
			return err
		}
	}

	data, err := c.fr.ReadLiteral(cmd.Append.LiteralLen)
	if err != nil {
		return err
	}

	path := c.folderPath(cmd.Mailbox)
	if err := c.server.Store.CreateDirs(path); err != nil {
		return c.no(cmd.Tag, "append failed")
	}
	c.attachRoleFlags(path, cmd.Mailbox)

	if _, _, err := c.server.Store.StoreCurWithFlags(ctx, path, data, cmd.Append.Flags); err != nil {
		c.server.logf("imapserver: append to %s: %v", path, err)
		return c.no(cmd.Tag, "append failed")
	}

	return c.ok(cmd.Tag, "APPEND completed")
}
