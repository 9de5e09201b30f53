/**
 * @description
 * The messaging topology of the lifecycle service: exchange, routing keys and the
 * durable queues bound to them. It is a plain value built once at startup and handed
 * to the RabbitMQ client. Routing keys are part of the deployment contract and must
 * not change between versions.
 */

package bus

import "strings"

// Inbound routing keys.
const (
	RoutingDemandeSend        = "demande.send"
	RoutingTransactionSend    = "transaction.send"
	RoutingRetraitSend        = "retrait.send"
	RoutingCardRechargeSend   = "card.recharge.send"
	RoutingCardWithdrawalSend = "card.withdrawal.send"
)

// Outbound routing keys.
const (
	RoutingDemandeApproved         = "demande.approved"
	RoutingDemandeRejected         = "demande.rejected"
	RoutingDemandeExpired          = "demande.expired"
	RoutingWelcomeNotification     = "notification.welcome"
	RoutingRejectionNotification   = "notification.rejection"
	RoutingTransactionNotification = "transaction.notification"
	RoutingPasswordReset           = "password.reset"
	RoutingPasswordResetResponse   = "password.reset.response"
)

const (
	DefaultExchange         = "wallet.events"
	DefaultDemandeQueue     = "lifecycle.demande.queue"
	DefaultTransactionQueue = "lifecycle.transaction.queue"
	DefaultCardQueue        = "lifecycle.card.queue"
)

// Queue is a durable queue and the routing keys bound to it.
type Queue struct {
	Name        string
	RoutingKeys []string
}

// DeadLetterQueue is where messages that exhausted their redeliveries end up.
func (q Queue) DeadLetterQueue() string {
	return q.Name + ".dlq"
}

// Topology describes everything the service declares on the broker.
type Topology struct {
	Exchange     string
	Demandes     Queue
	Transactions Queue
	Cards        Queue
}

// DeadLetterExchange is derived from the main exchange name.
func (t Topology) DeadLetterExchange() string {
	return t.Exchange + ".dlx"
}

// Queues lists the inbound queues in declaration order.
func (t Topology) Queues() []Queue {
	return []Queue{t.Demandes, t.Transactions, t.Cards}
}

// NewTopology builds the topology, falling back to the default names for any blank
// override.
func NewTopology(exchange, demandeQueue, transactionQueue, cardQueue string) Topology {
	return Topology{
		Exchange: orDefault(exchange, DefaultExchange),
		Demandes: Queue{
			Name:        orDefault(demandeQueue, DefaultDemandeQueue),
			RoutingKeys: []string{RoutingDemandeSend},
		},
		Transactions: Queue{
			Name:        orDefault(transactionQueue, DefaultTransactionQueue),
			RoutingKeys: []string{RoutingTransactionSend, RoutingRetraitSend},
		},
		Cards: Queue{
			Name:        orDefault(cardQueue, DefaultCardQueue),
			RoutingKeys: []string{RoutingCardRechargeSend, RoutingCardWithdrawalSend},
		},
	}
}

// DefaultTopology is the topology with every default name.
func DefaultTopology() Topology {
	return NewTopology("", "", "", "")
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}
