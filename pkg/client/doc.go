/*
Package client is the Go client for the spawner daemon's HTTP API.

	c, err := client.NewClient("127.0.0.1:8081")
	ep, err := c.Start(ctx, "alice", types.UserOptions{InstanceType: "t3.medium", VolumeSize: 20})
	fmt.Println(ep) // 10.0.1.23:4444

Non-2xx responses come back as *APIError carrying the daemon's error kind;
IsUnavailable reports the "try again shortly" case. CheckUser talks to the
gRPC health service instead, for callers that only need serving status.
*/
package client
