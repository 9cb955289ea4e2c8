package test

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/suite"

	"github.com/relabs-tech/limen/core"
	"github.com/relabs-tech/limen/core/client"
	"github.com/relabs-tech/limen/core/realtime"
)

type RoundTripTestSuite struct {
	IntegrationTestSuite
}

func TestRoundTripTestSuite(t *testing.T) {
	if os.Getenv("INTEGRATION") == "" {
		t.Skip("set INTEGRATION=1 to run the container based suite")
	}
	suite.Run(t, &RoundTripTestSuite{})
}

type ticket struct {
	ID      string `json:"id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	Subject string `json:"subject"`
	Status  string `json:"status,omitempty"`
}

// TestCRUDOverHTTP drives the gateway through a real network listener
// with the URL client and watches the write land in a realtime session.
func (s *RoundTripTestSuite) TestCRUDOverHTTP() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	conn := s.dialRealtime(ctx, "alice-token")
	defer conn.Close(websocket.StatusNormalClosure, "done")
	s.Require().NoError(wsjson.Write(ctx, conn, realtime.Frame{
		Type:  realtime.FrameSystem,
		Event: realtime.EventSubscribe,
		Topic: realtime.DatabaseTopic("tickets", core.ChangeInsert),
	}))
	s.awaitPong(ctx, conn)

	alice := client.NewWithURL(serverAddr).WithToken("alice-token")

	var created []ticket
	status, err := alice.Table("tickets").Insert(ticket{Subject: "printer on fire"}, &created)
	s.Require().NoError(err)
	s.Equal(http.StatusCreated, status)
	s.Require().Len(created, 1)
	s.Equal("alice", created[0].UserID)
	s.Equal("open", created[0].Status)

	// the write shows up on the websocket
	var frame realtime.Frame
	s.Require().NoError(wsjson.Read(ctx, conn, &frame))
	s.Equal(realtime.FrameDatabase, frame.Type)
	payload, _ := frame.Payload.(map[string]any)
	s.Equal("tickets", payload["resource"])
	record, _ := payload["record"].(map[string]any)
	s.Equal("printer on fire", record["subject"])

	// ownership scoping holds over the wire
	var mine []ticket
	_, err = alice.Table("tickets").Select().Do(&mine)
	s.Require().NoError(err)
	s.Len(mine, 1)

	status, err = client.NewWithURL(serverAddr).Table("tickets").Select().Do(nil)
	s.Error(err)
	s.Equal(http.StatusUnauthorized, status)

	rows, _, err := alice.Table("tickets").Update(
		map[string]any{"status": "closed"}, map[string]any{"id": created[0].ID}, nil)
	s.Require().NoError(err)
	s.Equal(1, rows)
}

func (s *RoundTripTestSuite) TestTransactionOverHTTP() {
	alice := client.NewWithURL(serverAddr).WithToken("alice-token")

	tx, err := alice.BeginTransaction()
	s.Require().NoError(err)

	_, err = tx.Table("tickets").Insert(ticket{Subject: "door squeaks"}, nil)
	s.Require().NoError(err)

	// invisible until commit
	var rows []ticket
	_, err = alice.Table("tickets").Select().Where("subject", "door squeaks").Do(&rows)
	s.Require().NoError(err)
	s.Len(rows, 0)

	s.Require().NoError(tx.Commit())

	_, err = alice.Table("tickets").Select().Where("subject", "door squeaks").Do(&rows)
	s.Require().NoError(err)
	s.Len(rows, 1)
}

func (s *RoundTripTestSuite) TestStatusAndHealth() {
	root := client.NewWithURL(serverAddr).WithToken("root-token")
	s.Require().NoError(root.Health())

	var figures struct {
		Status    string   `json:"status"`
		Resources []string `json:"resources"`
	}
	status, err := root.Status(&figures)
	s.Require().NoError(err)
	s.Equal(http.StatusOK, status)
	s.Equal("ok", figures.Status)
	s.Contains(figures.Resources, "tickets")

	status, err = client.NewWithURL(serverAddr).WithToken("alice-token").Status(nil)
	s.Error(err)
	s.Equal(http.StatusForbidden, status)
}
