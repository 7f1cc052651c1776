// The client is a command line tool to run a ledger with Calypso secrets
// on a set of conodes.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3/app"
	"go.dedis.ch/onet/v3/log"
	"gopkg.in/urfave/cli.v1"

	"github.com/ceyhunalp/calypso_client/blockdb"
	"github.com/ceyhunalp/calypso_client/byzcoin"
	"github.com/ceyhunalp/calypso_client/calypso"
	"github.com/ceyhunalp/calypso_client/rpc"
	"github.com/ceyhunalp/calypso_client/util"
)

var calypsoActions = []darc.Action{
	"spawn:" + calypso.ContractLongTermSecretID,
	"invoke:" + calypso.ContractLongTermSecretID + "." + calypso.CmdReshare,
	"spawn:" + calypso.ContractWriteID,
	"spawn:" + calypso.ContractReadID,
}

func main() {
	cliApp := cli.NewApp()
	cliApp.Name = "calypso"
	cliApp.Usage = "store and retrieve secrets on a ByzCoin ledger"
	cliApp.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Value: "calypso.toml", Usage: "configuration file"},
		cli.IntFlag{Name: "debug, d", Value: 0, Usage: "debug level"},
	}
	cliApp.Before = func(c *cli.Context) error {
		log.SetDebugVisible(c.GlobalInt("debug"))
		return nil
	}
	cliApp.Commands = []cli.Command{
		{
			Name:      "create",
			Usage:     "create a new ledger",
			ArgsUsage: "roster.toml",
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "interval", Value: 5 * time.Second, Usage: "block interval"},
			},
			Action: create,
		},
		{
			Name:   "status",
			Usage:  "check that all nodes are up and show the latest block",
			Action: status,
		},
		{
			Name:      "authorise",
			Usage:     "authorise the ledger on a node",
			ArgsUsage: "private.toml",
			Action:    authorise,
		},
		{
			Name:   "lts",
			Usage:  "create a long-term secret on the roster of the ledger",
			Action: createLTS,
		},
		{
			Name:      "write",
			Usage:     "encrypt a file and store it on the ledger",
			ArgsUsage: "file",
			Action:    write,
		},
		{
			Name:      "read",
			Usage:     "decrypt a document of the ledger",
			ArgsUsage: "write-instance-id",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "out, o", Usage: "output file, default stdout"},
			},
			Action: read,
		},
		{
			Name:   "follow",
			Usage:  "print new blocks until interrupted",
			Action: follow,
		},
		{
			Name:      "interval",
			Usage:     "change the block interval",
			ArgsUsage: "duration",
			Action:    setInterval,
		},
	}
	if err := cliApp.Run(os.Args); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func create(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("please give the roster file")
	}
	path := c.GlobalString("config")
	cfg := &util.Config{Roster: c.Args().First(), Wait: util.DefaultWait}
	if old, err := util.LoadConfig(path); err == nil {
		cfg = old
		cfg.Roster = c.Args().First()
	}
	roster, err := util.ReadRoster(cfg.Roster)
	if err != nil {
		return err
	}
	signer, err := cfg.Signer()
	if err != nil {
		if signer, err = cfg.NewAdminKey(); err != nil {
			return err
		}
	}
	d := byzcoin.GenesisDarc(signer, calypsoActions...)
	l, err := byzcoin.Create(context.Background(), rpc.NewOnet(), roster, d, c.Duration("interval"))
	if err != nil {
		return err
	}
	cfg.ChainID = hex.EncodeToString(l.ID())
	cfg.LTSID = ""
	if err := cfg.Save(path); err != nil {
		return err
	}
	log.Info("Created ledger", l.ID())
	return nil
}

// session holds what every command except create needs.
type session struct {
	cfg    *util.Config
	ledger *byzcoin.Ledger
	db     *blockdb.BlockDB
}

func connect(c *cli.Context) (*session, error) {
	cfg, err := util.LoadConfig(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	roster, err := util.ReadRoster(cfg.Roster)
	if err != nil {
		return nil, err
	}
	id, err := cfg.ID()
	if err != nil {
		return nil, err
	}
	l, err := byzcoin.Connect(context.Background(), rpc.NewOnet(), roster, id)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, ledger: l}
	if cfg.BlockDB != "" {
		if s.db, err = blockdb.Open(cfg.BlockDB); err != nil {
			return nil, err
		}
		if err := l.SetStore(s.db); err != nil {
			s.close()
			return nil, err
		}
	}
	return s, nil
}

func (s *session) close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Error("Couldn't close block database:", err)
		}
	}
}

func status(c *cli.Context) error {
	s, err := connect(c)
	if err != nil {
		return err
	}
	defer s.close()
	ctx := context.Background()
	if !s.ledger.CheckLiveness(ctx) {
		return errors.New("not all nodes are up")
	}
	latest, err := s.ledger.Refresh(ctx)
	if err != nil {
		return err
	}
	cc := s.ledger.Config()
	log.Infof("All %d nodes are up, latest block is %d (%s), block interval %v",
		len(cc.Roster.List), latest.Index, latest.Hash.Short(), cc.BlockInterval)
	return nil
}

func authorise(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("please give the private.toml of the node")
	}
	cc, err := app.LoadCothority(c.Args().First())
	if err != nil {
		return err
	}
	si, err := cc.GetServerIdentity()
	if err != nil {
		return err
	}
	priv, err := util.ReadScalar(cc.Private)
	if err != nil {
		return err
	}
	cfg, err := util.LoadConfig(c.GlobalString("config"))
	if err != nil {
		return err
	}
	id, err := cfg.ID()
	if err != nil {
		return err
	}
	if err := calypso.Authorize(context.Background(), rpc.NewOnet(), si, priv, id); err != nil {
		return err
	}
	log.Info("Authorised", id, "on", si.Address)
	return nil
}

func createLTS(c *cli.Context) error {
	s, err := connect(c)
	if err != nil {
		return err
	}
	defer s.close()
	signer, err := s.cfg.Signer()
	if err != nil {
		return err
	}
	ctx := context.Background()
	coord := calypso.NewCoordinator(s.ledger)
	darcID := s.ledger.GenesisDarc().GetBaseID()
	proof, err := coord.SpawnLTS(ctx, darcID, s.ledger.Roster(), []darc.Signer{signer}, s.cfg.Wait)
	if err != nil {
		return err
	}
	lts, err := coord.CreateLTS(ctx, proof)
	if err != nil {
		return err
	}
	s.cfg.LTSID = hex.EncodeToString(lts.LTSID().Slice())
	if err := s.cfg.Save(c.GlobalString("config")); err != nil {
		return err
	}
	log.Infof("Created long-term secret %s with threshold %d", lts.LTSID(), lts.Threshold)
	return nil
}

func write(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("please give the file to store")
	}
	data, err := os.ReadFile(c.Args().First())
	if err != nil {
		return err
	}
	s, err := connect(c)
	if err != nil {
		return err
	}
	defer s.close()
	signer, err := s.cfg.Signer()
	if err != nil {
		return err
	}
	ltsID, err := s.cfg.LTS()
	if err != nil {
		return err
	}
	symKey := util.NewSymKey()
	encData, err := util.AeadSeal(symKey, data)
	if err != nil {
		return err
	}
	coord := calypso.NewCoordinator(s.ledger)
	darcID := s.ledger.GenesisDarc().GetBaseID()
	proof, err := coord.AddWrite(context.Background(), darcID, ltsID, symKey, encData, []darc.Signer{signer}, s.cfg.Wait)
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(byzcoin.ProofInstance(proof).Slice()))
	return nil
}

func read(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("please give the write instance id")
	}
	buf, err := hex.DecodeString(c.Args().First())
	if err != nil || len(buf) != len(byzcoin.InstanceID{}) {
		return fmt.Errorf("invalid instance id %q", c.Args().First())
	}
	writeID := byzcoin.NewInstanceID(buf)
	s, err := connect(c)
	if err != nil {
		return err
	}
	defer s.close()
	signer, err := s.cfg.Signer()
	if err != nil {
		return err
	}

	ctx := context.Background()
	writeProof, err := s.ledger.GetProof(ctx, writeID)
	if err != nil {
		return err
	}
	ps, err := s.ledger.VerifyProof(writeProof, writeID)
	if err != nil {
		return err
	}
	wr, err := calypso.DecodeWrite(ps.Value)
	if err != nil {
		return err
	}

	reader := key.NewKeyPair(cothority.Suite)
	coord := calypso.NewCoordinator(s.ledger)
	readProof, err := coord.AddRead(ctx, writeProof, reader.Public, []darc.Signer{signer}, s.cfg.Wait)
	if err != nil {
		return err
	}
	reply, err := coord.DecryptKey(ctx, writeProof, readProof)
	if err != nil {
		return err
	}
	symKey, err := calypso.RecoverKey(reply.X, reply.C, reply.XhatEnc, reader.Private)
	if err != nil {
		return err
	}
	data, err := util.AeadOpen(symKey, wr.Data)
	if err != nil {
		return err
	}
	if out := c.String("out"); out != "" {
		return os.WriteFile(out, data, 0600)
	}
	_, err = os.Stdout.Write(data)
	return err
}

func follow(c *cli.Context) error {
	s, err := connect(c)
	if err != nil {
		return err
	}
	defer s.close()
	if _, err := s.ledger.Refresh(context.Background()); err != nil {
		return err
	}
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	sub := s.ledger.Subscribe(16)
	defer sub.Unsubscribe()
	for {
		select {
		case b := <-sub.Blocks():
			body, err := byzcoin.DecodeDataBody(b)
			if err != nil {
				return err
			}
			fmt.Printf("%d\t%s\t%d transactions\n", b.Index, b.Hash, len(body.TxResults))
		case <-sub.Done():
			return sub.Err()
		case <-interrupt:
			return nil
		}
	}
}

func setInterval(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("please give the new interval")
	}
	interval, err := time.ParseDuration(c.Args().First())
	if err != nil {
		return err
	}
	s, err := connect(c)
	if err != nil {
		return err
	}
	defer s.close()
	signer, err := s.cfg.Signer()
	if err != nil {
		return err
	}
	return s.ledger.SetBlockInterval(context.Background(), interval, []darc.Signer{signer})
}
