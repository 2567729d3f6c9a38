/*
Package client provides a Go client for the mailroom Mailbox service.

	c, err := client.NewClient("127.0.0.1:7070")
	if err != nil {
		return err
	}
	defer c.Close()

	lease, err := c.Register(ctx, 10*time.Minute)
	...
	err = c.Notify(ctx, lease.RegistrationID, &types.Event{Source: "orders", SeqID: 1})

Errors returned by the daemon keep their registry meaning, so callers can
write errors.Is(err, registry.ErrUnknownLease).

# Pull Mode

Pull returns an Iterator. Every call to Next acknowledges the batch the
previous call returned, so a consumer that crashes between two calls sees
the unacknowledged batch again after taking a new snapshot:

	it, err := c.Pull(ctx, id, 100)
	for {
		events, err := it.Next(ctx, 30*time.Second)
		if err != nil {
			return err
		}
		process(events)
	}

Taking another snapshot, from this or any other client, invalidates the
iterator; Next then fails with registry.ErrInvalidIterator.
*/
package client
