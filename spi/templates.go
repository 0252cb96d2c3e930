package spi

import (
	"github.com/tbraun92/chaindma/dma"
	"github.com/tbraun92/chaindma/pkg"
	"github.com/tbraun92/chaindma/spi/hal"
)

// bindContext carries the per-submission state pre and post transforms bind
// against. It is passed as the data argument of every transform the
// template builders register.
type bindContext struct {
	eng   *Engine
	txn   *Transaction
	op    *Operation
	chain *Chain
}

func bindCtx(data any) (*bindContext, error) {
	ctx, ok := data.(*bindContext)
	if !ok || ctx == nil {
		return nil, pkg.ErrInvalidParameter
	}
	return ctx, nil
}

// csBit returns the GPIO bank-0 bit for chip select cs.
func csBit(cs uint8) uint32 {
	return 1 << (cs % 32)
}

// maxClockDivider is the largest divider the clock register accepts.
const maxClockDivider = 65534

// clockDivider computes the SPI clock divider for the requested rate,
// rounded up to the next even value the hardware supports.
func clockDivider(coreHz, speedHz uint32) uint32 {
	if speedHz == 0 || speedHz >= coreHz {
		return 2
	}
	div := (coreHz + speedHz - 1) / speedHz
	div = (div + 1) &^ 1
	if div > maxClockDivider {
		div = maxClockDivider
	}
	return div
}

// newSetupFragment builds the configuration-setup template: program the
// clock divider, program the control register with FIFO clears and DMA
// enabled, then drive the chip-select line low. The register values live in
// each block's own pad words and are patched per submission.
func (e *Engine) newSetupFragment(pool *dma.Pool) (*dma.Fragment, error) {
	f := dma.NewFragment("setup")

	clk, err := dma.NewLink(pool, "setup-clock")
	if err != nil {
		return nil, err
	}
	clk.CB.Info = dma.InfoWaitResp
	clk.CB.Src = clk.PadAddr(0)
	clk.CB.Dst = hal.RegSPICLK
	clk.CB.Length = 4
	f.AddLink(clk)

	cs, err := dma.NewLink(pool, "setup-cs")
	if err != nil {
		f.Free()
		return nil, err
	}
	cs.CB.Info = dma.InfoWaitResp
	cs.CB.Src = cs.PadAddr(0)
	cs.CB.Dst = hal.RegSPICS
	cs.CB.Length = 4
	cs.CB.Pad[0] = hal.SPICSTA | hal.SPICSDMAEN | hal.SPICSClearTX | hal.SPICSClearRX
	f.AddLink(cs)

	sel, err := dma.NewLink(pool, "setup-select")
	if err != nil {
		f.Free()
		return nil, err
	}
	sel.CB.Info = dma.InfoWaitResp
	sel.CB.Src = sel.PadAddr(0)
	sel.CB.Dst = hal.RegGPIOClr0
	sel.CB.Length = 4
	f.AddLink(sel)

	f.AddTransform(dma.Func(dma.PhasePre, func(_ *dma.Fragment, data any) error {
		ctx, err := bindCtx(data)
		if err != nil {
			return err
		}
		clk.CB.Pad[0] = clockDivider(ctx.eng.opts.CoreClockHz, ctx.op.Config.SpeedHz)
		sel.CB.Pad[0] = csBit(ctx.txn.cs)
		return nil
	}))
	return f, nil
}

// newTransferFragment builds the payload-transfer template: program the DMA
// transfer length, feed the transmit payload into the FIFO, and drain the
// receive side. Payload addresses are mapped and bound per submission; a
// missing direction degrades to an ignore span so the FIFO still cycles the
// full payload length.
func (e *Engine) newTransferFragment(pool *dma.Pool) (*dma.Fragment, error) {
	f := dma.NewFragment("transfer")

	dlen, err := dma.NewLink(pool, "transfer-dlen")
	if err != nil {
		return nil, err
	}
	dlen.CB.Info = dma.InfoWaitResp
	dlen.CB.Src = dlen.PadAddr(0)
	dlen.CB.Dst = hal.RegSPIDLEN
	dlen.CB.Length = 4
	f.AddLink(dlen)

	tx, err := dma.NewLink(pool, "transfer-tx")
	if err != nil {
		f.Free()
		return nil, err
	}
	tx.CB.Dst = hal.RegSPIFIFO
	f.AddLink(tx)

	rx, err := dma.NewLink(pool, "transfer-rx")
	if err != nil {
		f.Free()
		return nil, err
	}
	rx.CB.Src = hal.RegSPIFIFO
	f.AddLink(rx)

	f.AddTransform(dma.Func(dma.PhasePre, func(_ *dma.Fragment, data any) error {
		ctx, err := bindCtx(data)
		if err != nil {
			return err
		}
		n := uint32(ctx.op.length())
		dlen.CB.Pad[0] = n
		tx.CB.Length = n
		rx.CB.Length = n

		if ctx.op.Tx != nil {
			addr, err := ctx.eng.h.Map(ctx.op.Tx)
			if err != nil {
				return err
			}
			ctx.chain.mappings = append(ctx.chain.mappings, addr)
			tx.CB.Info = dma.InfoWaitResp | dma.InfoSrcInc
			tx.CB.Src = addr
		} else {
			tx.CB.Info = dma.InfoWaitResp | dma.InfoSrcIgnore
			tx.CB.Src = 0
		}

		if ctx.op.Rx != nil {
			addr, err := ctx.eng.h.Map(ctx.op.Rx)
			if err != nil {
				return err
			}
			ctx.chain.mappings = append(ctx.chain.mappings, addr)
			rx.CB.Info = dma.InfoWaitResp | dma.InfoDstInc
			rx.CB.Dst = addr
		} else {
			rx.CB.Info = dma.InfoWaitResp | dma.InfoDstIgnore
			rx.CB.Dst = 0
		}
		return nil
	}))
	f.AddTransform(dma.Func(dma.PhasePost, func(_ *dma.Fragment, data any) error {
		ctx, err := bindCtx(data)
		if err != nil {
			return err
		}
		ctx.txn.ActualLength += ctx.op.length()
		return nil
	}))
	return f, nil
}

// newDeselectFragment builds the boundary template: drive the chip-select
// line high, clear transfer-active, then run a short ignore span so the
// line settles before a following setup reselects.
func (e *Engine) newDeselectFragment(pool *dma.Pool) (*dma.Fragment, error) {
	f := dma.NewFragment("deselect")

	desel, err := dma.NewLink(pool, "deselect-gpio")
	if err != nil {
		return nil, err
	}
	desel.CB.Info = dma.InfoWaitResp
	desel.CB.Src = desel.PadAddr(0)
	desel.CB.Dst = hal.RegGPIOSet0
	desel.CB.Length = 4
	f.AddLink(desel)

	cs, err := dma.NewLink(pool, "deselect-cs")
	if err != nil {
		f.Free()
		return nil, err
	}
	cs.CB.Info = dma.InfoWaitResp
	cs.CB.Src = cs.PadAddr(0)
	cs.CB.Dst = hal.RegSPICS
	cs.CB.Length = 4
	cs.CB.Pad[0] = 0
	f.AddLink(cs)

	settle, err := dma.NewLink(pool, "deselect-settle")
	if err != nil {
		f.Free()
		return nil, err
	}
	settle.CB.Info = dma.InfoSrcIgnore | dma.InfoDstIgnore
	settle.CB.Length = uint32(e.opts.CSSettleBytes)
	f.AddLink(settle)

	f.AddTransform(dma.Func(dma.PhasePre, func(_ *dma.Fragment, data any) error {
		ctx, err := bindCtx(data)
		if err != nil {
			return err
		}
		desel.CB.Pad[0] = csBit(ctx.txn.cs)
		return nil
	}))
	return f, nil
}

// newDelayFragment builds the inter-operation delay template: an ignore
// span whose length realizes the requested delay at the current byte rate.
func (e *Engine) newDelayFragment(pool *dma.Pool) (*dma.Fragment, error) {
	f := dma.NewFragment("delay")

	span, err := dma.NewLink(pool, "delay-span")
	if err != nil {
		return nil, err
	}
	span.CB.Info = dma.InfoSrcIgnore | dma.InfoDstIgnore
	f.AddLink(span)

	f.AddTransform(dma.Func(dma.PhasePre, func(_ *dma.Fragment, data any) error {
		ctx, err := bindCtx(data)
		if err != nil {
			return err
		}
		span.CB.Length = uint32(ctx.op.DelayUsecs) * uint32(ctx.eng.opts.DelayBytesPerUsec)
		return nil
	}))
	return f, nil
}

// completionMark is the nonzero value the trigger block copies into the
// sentinel. Two identical words make a torn write detectable: either word
// being nonzero already proves completion.
const completionMark = 0x00000001

// newTriggerFragment builds the completion-trigger template: one
// interrupt-raising block copying the mark from its own pad words into the
// chain's sentinel. The sentinel address is bound per submission, and the
// sentinel itself is cleared before hardware can reach the block.
func (e *Engine) newTriggerFragment(pool *dma.Pool) (*dma.Fragment, error) {
	f := dma.NewFragment("trigger")

	trig, err := dma.NewLink(pool, "trigger-mark")
	if err != nil {
		return nil, err
	}
	trig.CB.Info = dma.InfoIntEnable | dma.InfoWaitResp | dma.InfoSrcInc | dma.InfoDstInc
	trig.CB.Src = trig.PadAddr(0)
	trig.CB.Length = sentinelSize
	trig.CB.Pad[0] = completionMark
	trig.CB.Pad[1] = completionMark
	f.AddLink(trig)

	f.AddTransform(dma.Func(dma.PhasePre, func(_ *dma.Fragment, data any) error {
		ctx, err := bindCtx(data)
		if err != nil {
			return err
		}
		ctx.chain.resetSentinel()
		trig.CB.Dst = ctx.chain.sentinelAddr
		return nil
	}))
	return f, nil
}
