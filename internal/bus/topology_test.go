package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultTopology_StableNames(t *testing.T) {
	topo := DefaultTopology()

	assert.Equal(t, "wallet.events", topo.Exchange)
	assert.Equal(t, "wallet.events.dlx", topo.DeadLetterExchange())
	assert.Equal(t, []string{"demande.send"}, topo.Demandes.RoutingKeys)
	assert.Equal(t, []string{"transaction.send", "retrait.send"}, topo.Transactions.RoutingKeys)
	assert.Equal(t, "lifecycle.card.queue.dlq", topo.Cards.DeadLetterQueue())
	assert.Len(t, topo.Queues(), 3)
}

func TestNewTopology_Overrides(t *testing.T) {
	topo := NewTopology("bank.events", " custom.demandes ", "", "")

	assert.Equal(t, "bank.events", topo.Exchange)
	assert.Equal(t, "custom.demandes", topo.Demandes.Name)
	assert.Equal(t, DefaultTransactionQueue, topo.Transactions.Name)
}
