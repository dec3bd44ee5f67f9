package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"

	"github.com/maxdollinger/sandboxd/internal/db/models"
	"github.com/maxdollinger/sandboxd/pkg/network"
)

// GroupStore keeps network groups and sandbox addresses in the state
// database. Every call is one immediate transaction, so allocations from
// different processes serialize on the database lock.
type GroupStore struct {
	conn *sql.DB
}

var _ network.Store = (*GroupStore)(nil)

func NewGroupStore(conn *sql.DB) *GroupStore {
	return &GroupStore{conn: conn}
}

func (s *GroupStore) EnsureGroup(ctx context.Context, name string, reach network.Reach, pick func([]netip.Prefix) (netip.Prefix, error)) (network.Group, error) {
	var g network.Group
	err := WithTx(ctx, s.conn, func(tx *sql.Tx) error {
		row, err := models.GetGroupByName(ctx, tx, name)
		if err == nil {
			if row.Reach != string(reach) {
				if err := models.SetGroupReach(ctx, tx, row.ID, string(reach)); err != nil {
					return err
				}
				row.Reach = string(reach)
			}
			g, err = toGroup(row)
			return err
		}
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}

		subnets, err := models.ListSubnets(ctx, tx)
		if err != nil {
			return err
		}
		taken := make([]netip.Prefix, 0, len(subnets))
		for _, s := range subnets {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return fmt.Errorf("stored subnet %q: %w", s, err)
			}
			taken = append(taken, p)
		}

		subnet, err := pick(taken)
		if err != nil {
			return err
		}

		row, err = models.InsertGroup(ctx, tx, name, subnet.String(), string(reach))
		if err != nil {
			return fmt.Errorf("insert group: %w", err)
		}
		g, err = toGroup(row)
		return err
	})
	return g, err
}

func (s *GroupStore) GetGroup(ctx context.Context, name string) (network.Group, error) {
	row, err := models.GetGroupByName(ctx, s.conn, name)
	if errors.Is(err, models.ErrNotFound) {
		return network.Group{}, network.ErrGroupNotFound
	}
	if err != nil {
		return network.Group{}, err
	}
	return toGroup(row)
}

func (s *GroupStore) ListGroups(ctx context.Context) ([]network.Group, error) {
	rows, err := models.ListGroups(ctx, s.conn)
	if err != nil {
		return nil, err
	}
	groups := make([]network.Group, 0, len(rows))
	for _, row := range rows {
		g, err := toGroup(row)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// AssignIP stores the address on the sandbox row, which must already exist.
func (s *GroupStore) AssignIP(ctx context.Context, group, sandbox string, pick func([]netip.Addr) (netip.Addr, error)) (netip.Addr, error) {
	var ip netip.Addr
	err := WithTx(ctx, s.conn, func(tx *sql.Tx) error {
		sb, err := models.GetSandbox(ctx, tx, group, sandbox)
		if errors.Is(err, models.ErrNotFound) {
			if _, gerr := models.GetGroupByName(ctx, tx, group); errors.Is(gerr, models.ErrNotFound) {
				return network.ErrGroupNotFound
			}
			return fmt.Errorf("sandbox %s/%s: %w", group, sandbox, err)
		}
		if err != nil {
			return err
		}

		if sb.GroupIP != "" {
			ip, err = netip.ParseAddr(sb.GroupIP)
			return err
		}

		stored, err := models.ListGroupIPs(ctx, tx, sb.GroupID)
		if err != nil {
			return err
		}
		taken := make([]netip.Addr, 0, len(stored))
		for _, s := range stored {
			a, err := netip.ParseAddr(s)
			if err != nil {
				return fmt.Errorf("stored address %q: %w", s, err)
			}
			taken = append(taken, a)
		}

		ip, err = pick(taken)
		if err != nil {
			return err
		}
		return models.SetSandboxIP(ctx, tx, sb.ID, ip.String())
	})
	return ip, err
}

func (s *GroupStore) ReleaseIP(ctx context.Context, group, sandbox string) error {
	return WithTx(ctx, s.conn, func(tx *sql.Tx) error {
		sb, err := models.GetSandbox(ctx, tx, group, sandbox)
		if errors.Is(err, models.ErrNotFound) {
			return network.ErrIPNotAllocated
		}
		if err != nil {
			return err
		}
		if sb.GroupIP == "" {
			return network.ErrIPNotAllocated
		}
		return models.SetSandboxIP(ctx, tx, sb.ID, "")
	})
}

func (s *GroupStore) DeleteGroup(ctx context.Context, name string) error {
	return WithTx(ctx, s.conn, func(tx *sql.Tx) error {
		row, err := models.GetGroupByName(ctx, tx, name)
		if errors.Is(err, models.ErrNotFound) {
			return network.ErrGroupNotFound
		}
		if err != nil {
			return err
		}

		n, err := models.CountGroupSandboxes(ctx, tx, row.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %d sandboxes", network.ErrGroupInUse, n)
		}
		return models.DeleteGroup(ctx, tx, row.ID)
	})
}

func toGroup(row *models.Group) (network.Group, error) {
	subnet, err := netip.ParsePrefix(row.Subnet)
	if err != nil {
		return network.Group{}, fmt.Errorf("group %s subnet %q: %w", row.Name, row.Subnet, err)
	}
	reach, err := network.ParseReach(row.Reach)
	if err != nil {
		return network.Group{}, err
	}
	return network.Group{ID: row.ID, Name: row.Name, Subnet: subnet, Reach: reach}, nil
}
